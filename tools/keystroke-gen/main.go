// keystroke-gen generates synthetic keydown/keyup scripts for replay
// through keyprintctl train --events and verify --events, so profiles
// can be exercised without manual typing.
//
// Usage:
//
//	go run ./tools/keystroke-gen -output alice.json -phrase "correct horse" -repeats 5
//	go run ./tools/keystroke-gen -output impostor.json -profile hunt-and-peck -seed 7
//	go run ./tools/keystroke-gen -list
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"keyprint/internal/capture"
	"keyprint/internal/features"
)

// TypingProfile parameterises the simulated typist. Dwell and flight
// times are drawn from log-normal distributions.
type TypingProfile struct {
	Name             string
	Description      string
	MedianDwellMs    float64 // press to release
	DwellStdDevMs    float64
	MedianFlightMs   float64 // release to next press
	FlightStdDevMs   float64
	PauseProbability float64 // chance of a hesitation before a key
	PauseMaxMs       float64
	RolloverRate     float64 // chance the next key goes down before this one is up
}

var profiles = map[string]TypingProfile{
	"steady": {
		Name:             "Steady Touch Typist",
		Description:      "Even rhythm, short dwells",
		MedianDwellMs:    85,
		DwellStdDevMs:    15,
		MedianFlightMs:   60,
		FlightStdDevMs:   20,
		PauseProbability: 0.02,
		PauseMaxMs:       400,
		RolloverRate:     0.05,
	},
	"fast": {
		Name:             "Fast Typist",
		Description:      "Quick bursts with frequent key rollover",
		MedianDwellMs:    70,
		DwellStdDevMs:    12,
		MedianFlightMs:   25,
		FlightStdDevMs:   15,
		PauseProbability: 0.01,
		PauseMaxMs:       250,
		RolloverRate:     0.35,
	},
	"hunt-and-peck": {
		Name:             "Hunt and Peck",
		Description:      "Long searches between keys, long dwells",
		MedianDwellMs:    160,
		DwellStdDevMs:    50,
		MedianFlightMs:   450,
		FlightStdDevMs:   250,
		PauseProbability: 0.1,
		PauseMaxMs:       1500,
	},
	"scripted": {
		Name:             "Scripted Input",
		Description:      "Machine-regular timing, as from an injector",
		MedianDwellMs:    20,
		DwellStdDevMs:    1,
		MedianFlightMs:   10,
		FlightStdDevMs:   1,
	},
}

func main() {
	var (
		outputPath   = flag.String("output", "events.json", "Output file path, - for stdout")
		phrase       = flag.String("phrase", "the quick brown fox", "Text to type")
		repeats      = flag.Int("repeats", 1, "Times the phrase is typed")
		profileName  = flag.String("profile", "steady", "Typing profile to use")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Available profiles:")
		for _, name := range names {
			fmt.Printf("  %-15s %s\n", name, profiles[name].Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}
	if *repeats < 1 || len([]rune(*phrase)) < features.MinKeystrokes {
		fmt.Fprintf(os.Stderr, "Need at least one repeat of a phrase with %d or more keys\n", features.MinKeystrokes)
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	events := generateEvents(rng, profile, *phrase, *repeats)

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling events: %v\n", err)
		os.Exit(1)
	}

	// Progress goes to stderr so -output - can be piped.
	log := io.Writer(os.Stdout)
	if *outputPath == "-" {
		log = os.Stderr
		os.Stdout.Write(append(data, '\n'))
	} else if err := os.WriteFile(*outputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(log, "Generated %d events with profile %s (seed %d)\n", len(events), profile.Name, *seed)
	if err := printStats(log, events); err != nil {
		fmt.Fprintf(os.Stderr, "Error summarising events: %v\n", err)
		os.Exit(1)
	}
}

// keyName maps a rune to the DOM key name capture expects.
func keyName(r rune) string {
	switch r {
	case ' ':
		return "Space"
	case '\n':
		return "Enter"
	case '\t':
		return "Tab"
	}
	return string(r)
}

func generateEvents(rng *rand.Rand, profile TypingProfile, phrase string, repeats int) []capture.Event {
	runes := []rune(phrase)
	events := make([]capture.Event, 0, 2*len(runes)*repeats)

	now := 0.0
	for rep := 0; rep < repeats; rep++ {
		if rep > 0 {
			// Separate repetitions as a person would between attempts.
			now += 1000 + rng.Float64()*1000
		}
		var lastRelease float64
		for i, r := range runes {
			press := now
			if i > 0 {
				flight := logNormalSample(rng, profile.MedianFlightMs, profile.FlightStdDevMs)
				if rng.Float64() < profile.PauseProbability {
					flight += rng.Float64() * profile.PauseMaxMs
				}
				if rng.Float64() < profile.RolloverRate {
					// Overlap the previous key by part of its dwell.
					flight = -flight * 0.5
				}
				press = math.Max(now+1, lastRelease+flight)
			}
			dwell := logNormalSample(rng, profile.MedianDwellMs, profile.DwellStdDevMs)
			release := press + dwell

			key := keyName(r)
			events = append(events,
				capture.Event{Kind: capture.KeyDown, Key: key, Time: round(press)},
				capture.Event{Kind: capture.KeyUp, Key: key, Time: round(release)},
			)
			now = press
			lastRelease = release
		}
		now = lastRelease
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })
	return events
}

func round(ms float64) float64 {
	return math.Round(ms*10) / 10
}

// logNormalSample draws from a log-normal distribution with the given
// median and approximate standard deviation.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.01 {
		sigma = 0.01
	}
	return math.Exp(mu + sigma*rng.NormFloat64())
}

// printStats replays the events through capture and prints the
// features keyprint would see.
func printStats(w io.Writer, events []capture.Event) error {
	timings, err := capture.Run(context.Background(), capture.NewSession(), "keystroke-gen", capture.NewScriptedSource(events))
	if err != nil {
		return err
	}
	fv, err := features.Extract(timings)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "\nStatistics:")
	fmt.Fprintf(w, "  Keystrokes:       %d\n", fv.KeyCount)
	fmt.Fprintf(w, "  Span:             %.1f ms\n", fv.SpanMs)
	fmt.Fprintf(w, "  Dwell mean:       %.1f ms (sd %.1f)\n", fv.MeanDwell, fv.StdDevDwell)
	fmt.Fprintf(w, "  Latency mean:     %.1f ms (sd %.1f)\n", fv.MeanLatency, fv.StdDevLatency)
	fmt.Fprintf(w, "  Typing speed:     %.2f keys/s\n", fv.TypingSpeed)
	fmt.Fprintf(w, "  Digraphs:         %d\n", len(fv.Digraphs))
	return nil
}
