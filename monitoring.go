package kvdict

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var metricsSet = metrics.NewSet()

var (
	writeConflicts       = metricsSet.NewCounter(`kvdict_write_conflicts_total`)
	writeConflictRetries = metricsSet.NewCounter(`kvdict_write_conflict_retries_total`)
	duplicateKeys        = metricsSet.NewCounter(`kvdict_duplicate_keys_total`)
	cappedEvictions      = metricsSet.NewCounter(`kvdict_capped_evictions_total`)
	indexKeySizes        = metricsSet.NewHistogram(`kvdict_index_key_size_bytes`)
)

// WriteMetrics writes all kvdict metrics in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metricsSet.WritePrometheus(w)
}

type engineCounters struct {
	get    *metrics.Counter
	insert *metrics.Counter
	remove *metrics.Counter
	update *metrics.Counter
	cursor *metrics.Counter
}

func newEngineCounters(engine string) *engineCounters {
	c := func(op string) *metrics.Counter {
		return metricsSet.GetOrCreateCounter(fmt.Sprintf(`kvdict_dictionary_ops_total{engine=%q,op=%q}`, engine, op))
	}
	return &engineCounters{
		get:    c("get"),
		insert: c("insert"),
		remove: c("remove"),
		update: c("update"),
		cursor: c("cursor"),
	}
}

// DictionaryReport describes one dictionary of an engine.
type DictionaryReport struct {
	Ident      string
	Comparator Comparator
	Stats      Stats
	Custom     map[string]any
}

// ReportDictionaries collects stats of every dictionary in eng.
func ReportDictionaries(op *Op, eng Engine) ([]DictionaryReport, error) {
	entries, err := eng.ListDictionaries(op)
	if err != nil {
		return nil, err
	}
	reports := make([]DictionaryReport, 0, len(entries))
	for _, ce := range entries {
		cmp, err := ce.Cmp()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ce.Ident, err)
		}
		d, err := eng.OpenDictionary(op, ce.Ident, cmp)
		if err != nil {
			return nil, err
		}
		st, err := d.Stats(op)
		if err != nil {
			return nil, err
		}
		custom, err := d.CustomStats(op)
		if err != nil {
			return nil, err
		}
		reports = append(reports, DictionaryReport{
			Ident:      ce.Ident,
			Comparator: cmp,
			Stats:      st,
			Custom:     custom,
		})
	}
	return reports, nil
}
