package jsonutil

import (
	"sort"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

// Technical fields of a correlated or enriched event that differ between
// runs and never belong in an expectation.
var expectedEventNoise = []string{
	"body",
	"_subjects",
	"_objects",
	"_rule",
	"time",
	"taxonomy_version",
	"generator.version",
	"generator.type",
	"count",
	"uuid",
	"incident.name",
	"primary_siem_app_id",
	"siem_id",
	"origin_app_id",
	"normalized",
	"labels",
	"subevents",
	"subevents.time",
}

var unitTestResultNoise = []string{
	"generator.version",
	"uuid",
	"siem_id",
	"labels",
	"_rule",
	"_subjects",
	"_objects",
	"subevents",
	"subevents.time",
}

// CleanExpectedEvent turns an actual event into expectation text: noise
// fields removed, keys sorted, pretty printed.
func CleanExpectedEvent(event string) (string, error) {
	return cleanEvent(event, expectedEventNoise)
}

// CleanUnitTestResult prepares a correlation unit test result for display.
// Empty input yields an empty string.
func CleanUnitTestResult(result string) (string, error) {
	if result == "" {
		return "", nil
	}
	return cleanEvent(result, unitTestResultNoise)
}

func cleanEvent(event string, noise []string) (string, error) {
	obj, err := ParseObject([]byte(event))
	if err != nil {
		return "", kberrors.Wrap(kberrors.ErrBadActualEvent, "event is not a JSON object", err)
	}
	return PrettyPrint(SortKeysDeep(RemoveKeys(obj, noise...)))
}

// IsEmpty reports whether o has no keys.
func IsEmpty(o *Object) bool {
	return o.Len() == 0
}

// FindDuplicate returns the first value that occurs more than once in
// sorted order, and false when all values are distinct.
func FindDuplicate(values []string) (string, bool) {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	for i := 0; i+1 < len(sorted); i++ {
		if sorted[i] == sorted[i+1] {
			return sorted[i], true
		}
	}
	return "", false
}

// RemoveEmptyKeys deletes falsy values from o in place and returns it.
func RemoveEmptyKeys(o *Object) *Object {
	for _, k := range o.Keys() {
		if v, _ := o.Get(k); !Truthy(v) {
			o.Delete(k)
		}
	}
	return o
}
