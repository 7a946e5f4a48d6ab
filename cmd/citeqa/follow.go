package main

import (
	"context"
	"flag"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/citeqa/client/auth"
	"github.com/citeqa/client/progress"
	"github.com/citeqa/client/upload"
)

// followFiles tracks the processing of every uploaded file until each of
// them completed or failed.
func followFiles(ctx context.Context, files []upload.FileUploadInfo, endpoints endpoints, tokens auth.TokenSource, logger log.Logger) {
	var wg sync.WaitGroup
	for _, f := range files {
		if f.Result == nil {
			continue
		}

		name := f.File.Name
		done := make(chan struct{})
		var lastStep string
		tracker := progress.NewFileTracker(f.Result.FileUUID, progress.FileTrackerOptions{
			WSBaseURL:  endpoints.ws,
			APIBaseURL: endpoints.api,
			Tokens:     tokens,
			Logger:     logger,
			OnUpdate: func(s progress.FileSnapshot) {
				if s.Progress.CurrentStep != lastStep {
					lastStep = s.Progress.CurrentStep
					logger.Printf("%s: %s (%d%%)", name, lastStep, s.Progress.Progress)
				}
			},
			OnComplete: func(p progress.FileProcessingProgress) {
				logger.Donef("%s: %d definition sentences found", name, len(p.ClassifiedSentences))
				close(done)
			},
			OnFail: func(message string) {
				logger.Errorf("%s: processing failed: %s", name, message)
				close(done)
			},
		})
		if err := tracker.Start(ctx); err != nil {
			logger.Warnf("Can not follow %s: %s", name, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-done:
			case <-ctx.Done():
				tracker.Stop()
			}
			tracker.Wait()
		}()
	}
	wg.Wait()
}

func runQuery(ctx context.Context, args []string, logger log.Logger) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one query uuid, %w", errUsage)
	}
	queryUUID := fs.Arg(0)

	envRepo, err := common.apply(logger)
	if err != nil {
		return err
	}
	endpoints := loadEndpoints(envRepo)

	done := make(chan error, 1)
	var lastStep string
	tracker := progress.NewQueryTracker(queryUUID, progress.QueryTrackerOptions{
		WSBaseURL:  endpoints.ws,
		APIBaseURL: endpoints.api,
		Tokens:     tokenSource(envRepo, logger),
		Logger:     logger,
		OnUpdate: func(s progress.QuerySnapshot) {
			if s.Progress.CurrentStep != lastStep {
				lastStep = s.Progress.CurrentStep
				logger.Printf("%s (%d%%)", lastStep, s.Progress.Progress)
			}
		},
		OnComplete: func(p progress.QueryProcessingProgress) {
			printAnswerSources(logger, p)
			done <- nil
		},
		OnFail: func(message string) {
			done <- fmt.Errorf("query failed: %s", message)
		},
	})
	if err := tracker.Start(ctx); err != nil {
		return err
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		tracker.Stop()
		err = ctx.Err()
	}
	tracker.Wait()
	return err
}

func printAnswerSources(logger log.Logger, p progress.QueryProcessingProgress) {
	logger.Donef("Query completed")
	if len(p.Keywords) > 0 {
		logger.Printf("Keywords: %v", p.Keywords)
	}
	logger.Printf("Definitions found: %d contextual, %d operational", p.FoundDefinitions["cd"], p.FoundDefinitions["od"])
	for _, s := range p.ReferencedSentences {
		logger.Printf("  [%s p.%d] %s", s.OriginalName, s.Page, s.Sentence)
	}
}
