package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rgbd-replay-go/internal/engine"
	"rgbd-replay-go/internal/output"
)

func main() {
	var (
		path    string
		limit   int
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "rgbd-rawlog-dump",
		Short: "Print the engine messages recorded by rgbd-replay --raw-log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dump(cmd.OutOrStdout(), path, limit, summary)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&path, "path", "", "Path to rawlog .bin file")
	cmd.Flags().IntVar(&limit, "limit", 1, "Number of records to dump, 0 for all")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print one line per record instead of JSON")
	_ = cmd.MarkFlagRequired("path")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dump(w io.Writer, path string, limit int, summary bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rawlog: %w", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for count := 0; limit <= 0 || count < limit; count++ {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(rec.Payload) == 0 {
			logrus.WithField("record", count).Warn("empty payload")
			continue
		}

		if summary {
			line, msgType := summarize(rec.Payload)
			counts[msgType]++
			fmt.Fprintf(w, "%d %s %s\n", count, rec.Time.Format(time.RFC3339Nano), line)
			continue
		}

		var decoded any
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			logrus.WithError(err).WithField("record", count).Warn("CBOR decode error")
			continue
		}
		pretty, err := json.MarshalIndent(output.NormalizeJSONValue(decoded), "", "  ")
		if err != nil {
			logrus.WithError(err).WithField("record", count).Warn("JSON encode error")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"record":    count,
			"timestamp": rec.Time.Format(time.RFC3339Nano),
			"size":      len(rec.Payload),
		}).Info("record")
		fmt.Fprintln(w, string(pretty))
	}

	if summary {
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Fprint(w, "summary:")
		for _, t := range types {
			fmt.Fprintf(w, " %s=%d", t, counts[t])
		}
		fmt.Fprintln(w)
	}
	return nil
}

// summarize describes one engine message on a single line.
func summarize(payload []byte) (string, string) {
	msg, err := engine.DecodeMessage(payload)
	if err != nil {
		return fmt.Sprintf("undecodable (%v)", err), "invalid"
	}
	msgType, _ := msg["type"].(string)
	switch msgType {
	case engine.MessageStart:
		return fmt.Sprintf("start run=%v size=%vx%v depth=%v", msg["run_id"], msg["width"], msg["height"], msg["depth_encoding"]), msgType
	case engine.MessageFrame:
		return fmt.Sprintf("frame run=%v seq=%v ts=%.6f color=%s depth=%s",
			msg["run_id"], msg["sequence_id"], msg["timestamp"], shape(msg["color"]), shape(msg["depth"])), msgType
	case engine.MessageEnd:
		return fmt.Sprintf("end run=%v", msg["run_id"]), msgType
	default:
		return fmt.Sprintf("unknown type %q", msgType), "unknown"
	}
}

func shape(v any) string {
	switch m := v.(type) {
	case [][]uint8:
		return dims(m)
	case [][]uint16:
		return dims(m)
	case [][]float32:
		return dims(m)
	default:
		return fmt.Sprintf("%T", v)
	}
}

func dims[T any](m [][]T) string {
	if len(m) == 0 {
		return "0x0"
	}
	return fmt.Sprintf("%dx%d", len(m), len(m[0]))
}
