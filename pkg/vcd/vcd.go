// Package vcd implements a small value-change-dump reader sufficient for
// inspecting testbench signals in a time window.
package vcd

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Change is one recorded value change of a resolved signal.
type Change struct {
	Time   int64
	Signal string
	Value  string
}

// Result is the outcome of reading a window of a VCD file.
type Result struct {
	Changes   []Change
	Available []string // populated when none of the requested signals resolved
}

// Read scans the VCD stream and extracts changes of the requested signals
// within [startTime, endTime]. Signal names resolve by exact match first,
// then by hierarchical suffix (a request for "clk" finds "tb.dut.clk").
func Read(r io.Reader, signals []string, startTime, endTime int64) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	// Header: build code -> hierarchical reference map.
	idMap := make(map[string]string)
	var scope []string
	inHeader := true
	for inHeader && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "$scope"):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				scope = append(scope, parts[2])
			}
		case strings.HasPrefix(line, "$upscope"):
			if len(scope) > 0 {
				scope = scope[:len(scope)-1]
			}
		case strings.HasPrefix(line, "$var"):
			// $var <type> <size> <code> <ref> [range] $end
			parts := strings.Fields(line)
			if len(parts) >= 5 {
				code := parts[3]
				ref := parts[4]
				if len(scope) > 0 {
					ref = strings.Join(scope, ".") + "." + ref
				}
				idMap[code] = ref
			}
		case strings.HasPrefix(line, "$enddefinitions"):
			inHeader = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vcd header: %w", err)
	}

	wanted := resolveSignals(idMap, signals)
	if len(wanted) == 0 {
		avail := make([]string, 0, len(idMap))
		for _, ref := range idMap {
			avail = append(avail, ref)
		}
		sort.Strings(avail)
		if len(avail) > 20 {
			avail = avail[:20]
		}
		return &Result{Available: avail}, nil
	}

	// Body: track the time cursor, record changes in the window.
	var res Result
	var now int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			t, err := strconv.ParseInt(line[1:], 10, 64)
			if err != nil {
				continue
			}
			now = t
			if now > endTime {
				break
			}
			continue
		}
		if now < startTime {
			continue
		}

		switch {
		case strings.HasPrefix(line, "b") || strings.HasPrefix(line, "B"):
			// Vector change: b<bits> <code>
			parts := strings.Fields(line)
			if len(parts) == 2 {
				if name, ok := wanted[parts[1]]; ok {
					res.Changes = append(res.Changes, Change{Time: now, Signal: name, Value: parts[0][1:]})
				}
			}
		case strings.HasPrefix(line, "$"):
			// Directive ($dumpvars etc.), skip.
		default:
			// Scalar change: <value><code>, value is one of 0 1 x z.
			if len(line) >= 2 {
				if name, ok := wanted[line[1:]]; ok {
					res.Changes = append(res.Changes, Change{Time: now, Signal: name, Value: string(line[0])})
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vcd body: %w", err)
	}
	return &res, nil
}

// resolveSignals maps VCD codes to the user's requested names.
func resolveSignals(idMap map[string]string, signals []string) map[string]string {
	wanted := make(map[string]string)
	for _, req := range signals {
		found := false
		for code, ref := range idMap {
			if ref == req {
				wanted[code] = req
				found = true
				break
			}
		}
		if !found {
			for code, ref := range idMap {
				if strings.HasSuffix(ref, "."+req) {
					wanted[code] = req
					break
				}
			}
		}
	}
	return wanted
}

// Format renders changes as the tab-separated table the model reads.
func Format(res *Result) string {
	if len(res.Available) > 0 {
		return "Signals not found. Available signals: " + strings.Join(res.Available, ", ")
	}
	if len(res.Changes) == 0 {
		return "No events found in this time window."
	}

	var sb strings.Builder
	sb.WriteString("Time\tSignal\tValue\n")
	for _, c := range res.Changes {
		fmt.Fprintf(&sb, "%d\t%s\t%s\n", c.Time, c.Signal, c.Value)
	}
	return sb.String()
}
