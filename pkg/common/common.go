package common

import (
	"math/rand"
	"reflect"
	"time"
)

func AddStringToSliceIfNotExists(slice []string, newItem string) []string {
	for _, item := range slice {
		if item == newItem {
			return slice
		}
	}
	return append(slice, newItem)
}

func AddSliceToSliceIfNotExists(existsSlice []string, newSlice []string) []string {
	for _, newItem := range newSlice {
		existsSlice = AddStringToSliceIfNotExists(existsSlice, newItem)
	}
	return existsSlice
}

// CompareMaps compares decoded JSON parameters, treating []interface{} and typed slices
// with equal elements as equal.
func CompareMaps(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for key, valueA := range a {
		valueB, exists := b[key]
		if !exists || !deepEqual(valueA, valueB) {
			return false
		}
	}
	return true
}

func deepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta := reflect.TypeOf(a)
	tb := reflect.TypeOf(b)

	if (ta.Kind() == reflect.Slice || ta.Kind() == reflect.Array) &&
		(tb.Kind() == reflect.Slice || tb.Kind() == reflect.Array) {
		va := reflect.ValueOf(a)
		vb := reflect.ValueOf(b)
		if va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !deepEqual(va.Index(i).Interface(), vb.Index(i).Interface()) {
				return false
			}
		}
		return true
	}

	if ta.Kind() == reflect.Map && tb.Kind() == reflect.Map {
		va := reflect.ValueOf(a)
		vb := reflect.ValueOf(b)
		if va.Len() != vb.Len() {
			return false
		}
		iter := va.MapRange()
		for iter.Next() {
			valueB := vb.MapIndex(iter.Key())
			if !valueB.IsValid() || !deepEqual(iter.Value().Interface(), valueB.Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// AddRandomJitter extends duration by up to jitterPercent percent.
func AddRandomJitter(duration time.Duration, jitterPercent int8) time.Duration {
	if jitterPercent <= 0 {
		return duration
	}
	maxJitter := duration * time.Duration(jitterPercent) / 100
	jitter := time.Duration(rand.Int63n(int64(maxJitter + 1)))
	return duration + jitter
}
