package content

// LocalizationExample is one correlation event rendered with the rule's
// Russian and English localization templates.
type LocalizationExample struct {
	CorrelationName string `json:"correlation_name"`
	RuText          string `json:"ru_text"`
	EnText          string `json:"en_text"`
}
