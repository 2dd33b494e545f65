package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/crawl"
)

// newCrawlCmd creates the one-shot 'crawl' subcommand. It schedules a single
// run from a project file or ad-hoc flags, waits for it to drain, and writes
// the run result as JSON.
func newCrawlCmd() *cobra.Command {
	var (
		projectFile string
		seedURLs    []string
		query       string
		crawlLimit  int
		chunkSize   int
		outFile     string
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl to completion",
		Long: `Schedules one run from either a JSON project file (--projects) or a set
of seed URLs given on the command line, waits for the queue to drain, and
writes the finished run result as JSON.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}

			projects, err := loadProjects(projectFile, seedURLs, query, crawlLimit, chunkSize)
			if err != nil {
				return err
			}

			run, err := rt.app.Scheduler().Schedule(cmd.Context(), projects...)
			if err != nil {
				return fmt.Errorf("schedule run: %w", err)
			}
			rt.logger.Info("run started", zap.String("run_id", run.ID()))

			result, err := waitForRun(cmd, run)
			if err != nil {
				return err
			}
			return writeResult(outFile, result)
		},
	}

	cmd.Flags().StringVar(&projectFile, "projects", "", "JSON file containing an array of projects")
	cmd.Flags().StringSliceVar(&seedURLs, "url", nil, "seed URL (repeatable)")
	cmd.Flags().StringVar(&query, "query", "", "query the seeds were retrieved for")
	cmd.Flags().IntVar(&crawlLimit, "limit", 0, "per-project page budget (0 = config default)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "max characters per chunk (0 = config default)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the run result to this file instead of stdout")

	return cmd
}

// waitForRun blocks until the run finalizes. Interrupts cancel the run but
// still wait for finalization so the partial result can be reported.
func waitForRun(cmd *cobra.Command, run *crawl.Run) (crawl.RunResult, error) {
	select {
	case <-run.Done():
	case <-cmd.Context().Done():
		run.Cancel()
		<-run.Done()
	}
	result, ok := run.Result()
	if !ok {
		return crawl.RunResult{}, errors.New("run finished without a result")
	}
	return result, nil
}

func loadProjects(projectFile string, seedURLs []string, query string, crawlLimit, chunkSize int) ([]crawl.Project, error) {
	if projectFile != "" {
		data, err := os.ReadFile(projectFile)
		if err != nil {
			return nil, fmt.Errorf("read project file: %w", err)
		}
		var projects []crawl.Project
		if err := json.Unmarshal(data, &projects); err != nil {
			return nil, fmt.Errorf("parse project file: %w", err)
		}
		return projects, nil
	}

	if len(seedURLs) == 0 {
		return nil, errors.New("either --projects or at least one --url is required")
	}
	seeds := make([]crawl.Seed, 0, len(seedURLs))
	for _, u := range seedURLs {
		seeds = append(seeds, crawl.Seed{URL: u})
	}
	return []crawl.Project{{
		ID:    "cli",
		Query: query,
		Params: crawl.Params{
			CrawlLimit: crawlLimit,
			ChunkSize:  chunkSize,
		},
		Seeds: seeds,
	}}, nil
}

func writeResult(outFile string, result crawl.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if outFile == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(outFile, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
