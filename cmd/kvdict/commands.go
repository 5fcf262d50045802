package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/andreyvit/kvdict"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists dictionaries and their comparators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOp(func(op *kvdict.Op) error {
				entries, err := eng.ListDictionaries(op)
				if err != nil {
					return err
				}
				for _, ce := range entries {
					cmp, err := ce.Cmp()
					if err != nil {
						return fmt.Errorf("%s: %w", ce.Ident, err)
					}
					fmt.Printf("%-30s %-30v created %s\n", ce.Ident, cmp, humanize.Time(ce.Created))
				}
				return nil
			})
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints the stats of every dictionary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOp(func(op *kvdict.Op) error {
				reports, err := kvdict.ReportDictionaries(op, eng)
				if err != nil {
					return err
				}
				for _, r := range reports {
					fmt.Printf("%s (%v): %s keys, data %s, storage %s\n", r.Ident, r.Comparator,
						humanize.Comma(r.Stats.NumKeys),
						humanize.IBytes(uint64(r.Stats.DataSize)),
						humanize.IBytes(uint64(r.Stats.StorageSize)))
					keys := make([]string, 0, len(r.Custom))
					for k := range r.Custom {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Printf("  %s = %v\n", k, r.Custom[k])
					}
				}
				return nil
			})
		},
	}
	dumpCmd = &cobra.Command{
		Use:   "dump [ident]",
		Short: "Dumps the entries of one dictionary, or of all when no ident is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := kvdict.DumpAll
			if raw, _ := cmd.Flags().GetBool("raw"); raw {
				flags &^= kvdict.DumpDocuments
			}
			return withOp(func(op *kvdict.Op) error {
				if len(args) == 0 {
					s, err := kvdict.Dump(op, eng, flags)
					if err != nil {
						return err
					}
					fmt.Print(s)
					return nil
				}
				d, err := openDictionary(op, args[0])
				if err != nil {
					return err
				}
				return kvdict.DumpDictionary(os.Stdout, op, d, flags)
			})
		},
	}
	validateCmd = &cobra.Command{
		Use:   "validate [ident]",
		Short: "Decodes every entry of an index, or every document of a record store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOp(func(op *kvdict.Op) error {
				d, err := openDictionary(op, args[0])
				if err != nil {
					return err
				}
				cmp := d.Comparator()
				if cmp.Kind() == kvdict.StructuredEntry {
					ix, err := kvdict.NewSortedIndex(d, kvdict.IndexDescriptor{Ordering: cmp.Ordering(), Unique: cmp.Unique()})
					if err != nil {
						return err
					}
					n, err := ix.FullValidate(op, true)
					if err != nil {
						return err
					}
					fmt.Printf("%s: %s index entries ok\n", d.Name(), humanize.Comma(n))
					return nil
				}
				rs, err := kvdict.NewRecordStore(op, d, nil)
				if err != nil {
					return err
				}
				res, err := rs.Validate(op, true, func(id kvdict.RecordID, data kvdict.Slice) error {
					var doc any
					return kvdict.DecodeDocument(data.Bytes(), &doc)
				})
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s records, valid = %v\n", d.Name(), humanize.Comma(res.NumRecords), res.Valid)
				for _, e := range res.Errors {
					fmt.Printf("  %s\n", e)
				}
				return nil
			})
		},
	}
	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Prints the process metrics in Prometheus format after reading every dictionary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withOp(func(op *kvdict.Op) error {
				_, err := kvdict.ReportDictionaries(op, eng)
				return err
			})
			if err != nil {
				return err
			}
			kvdict.WriteMetrics(os.Stdout)
			return nil
		},
	}
)

func init() {
	dumpCmd.Flags().Bool("raw", false, "print values as hex instead of decoding documents")
}

func openDictionary(op *kvdict.Op, ident string) (kvdict.Dictionary, error) {
	ce, err := eng.LookupDictionary(op, ident)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ident, err)
	}
	cmp, err := ce.Cmp()
	if err != nil {
		return nil, err
	}
	return eng.OpenDictionary(op, ident, cmp)
}
