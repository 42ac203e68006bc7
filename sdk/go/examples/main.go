package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"OpenMCP-Sweep/sdk/go/sweep"
)

// 用法: SWEEP_API_URL=http://localhost:8080 SWEEP_API_KEY=... go run ./sdk/go/examples <source> <destination>
func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: examples <source> <destination>")
		os.Exit(2)
	}
	baseURL := os.Getenv("SWEEP_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := sweep.NewClient(baseURL, sweep.WithAPIKey(os.Getenv("SWEEP_API_KEY")))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	job, err := client.SubmitSweep(ctx, sweep.SweepRequest{Source: os.Args[1], Destination: os.Args[2]})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (%s)\n", job.ID, job.Status)

	job, err = client.WaitForJob(ctx, job.ID, 2*time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished with %s\n", job.ID, job.Status)
	if s := job.Summary; s != nil {
		fmt.Printf("run %s: %s, transferred=%d closed=%d native=%d skipped=%d\n",
			s.RunID, s.Status, s.Transferred, s.Closed, s.NativeTransferred, s.Skipped)
	}
}
