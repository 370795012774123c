// Command snapshot-inspect prints the per-origin profiles stored in an
// optimizer snapshot file, so operators can see what the origin controller
// has learned without attaching to a running peer.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"
)

type snapshotProfile struct {
	Origin         string  `json:"origin"`
	SuccessCount   int64   `json:"success_count"`
	FailureCount   int64   `json:"failure_count"`
	TimeoutCount   int64   `json:"timeout_count"`
	EMASuccess     float64 `json:"ema_success"`
	EMALatency     float64 `json:"ema_latency"`
	TimeoutNanos   int64   `json:"timeout_ns"`
	Concurrency    int     `json:"concurrency"`
	DelayNanos     int64   `json:"delay_ns"`
	RenderRequired bool    `json:"render_required"`
}

type snapshot struct {
	SavedAt  time.Time                  `json:"saved_at"`
	Profiles map[string]snapshotProfile `json:"profiles"`
}

func main() {
	jsonOut := flag.Bool("json", false, "emit the parsed profiles as JSON instead of a table")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: snapshot-inspect [-json] <snapshot-file>")
		os.Exit(2)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read snapshot: %v\n", err)
		os.Exit(1)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "parse snapshot: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
		return
	}

	origins := make([]string, 0, len(snap.Profiles))
	for o := range snap.Profiles {
		origins = append(origins, o)
	}
	sort.Strings(origins)

	fmt.Printf("snapshot saved %s, %d origins\n\n", snap.SavedAt.Format(time.RFC3339), len(origins))
	fmt.Printf("%-40s %8s %8s %8s %9s %9s %8s %5s %8s %7s\n",
		"ORIGIN", "OK", "FAIL", "TIMEOUT", "EMA_OK", "EMA_LAT", "TIMEOUT", "CONC", "DELAY", "RENDER")
	for _, o := range origins {
		p := snap.Profiles[o]
		fmt.Printf("%-40s %8d %8d %8d %9.3f %8.2fs %8s %5d %8s %7v\n",
			o, p.SuccessCount, p.FailureCount, p.TimeoutCount,
			p.EMASuccess, p.EMALatency,
			time.Duration(p.TimeoutNanos).Truncate(time.Second),
			p.Concurrency,
			time.Duration(p.DelayNanos).Truncate(time.Millisecond),
			p.RenderRequired)
	}
}
