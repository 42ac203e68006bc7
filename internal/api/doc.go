// Package api exposes the sweep job REST interface: submitting sweeps and
// swap-all runs, turning free text into a sweep through the intent extractor,
// and reading job state together with the recorded run summaries.
package api
