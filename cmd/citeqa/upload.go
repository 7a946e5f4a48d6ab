package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	clientanalytics "github.com/citeqa/client/analytics"
	"github.com/citeqa/client/upload"
	"github.com/citeqa/client/upload/network"
	"github.com/docker/go-units"
)

// S3 transport configuration, used with -s3.
const (
	S3BucketEnvKey    = "CITEQA_S3_BUCKET"
	S3RegionEnvKey    = "CITEQA_S3_REGION"
	S3EndpointEnvKey  = "CITEQA_S3_ENDPOINT"
	S3KeyPrefixEnvKey = "CITEQA_S3_KEY_PREFIX"
	AWSAccessKeyIDKey = "AWS_ACCESS_KEY_ID"
	AWSSecretKeyKey   = "AWS_SECRET_ACCESS_KEY"
)

const statusPollInterval = 200 * time.Millisecond

func runUpload(ctx context.Context, args []string, logger log.Logger) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML file with upload settings")
	watch := fs.Bool("watch", false, "follow the server-side processing of every uploaded file")
	useS3 := fs.Bool("s3", false, "upload straight to the object store configured by CITEQA_S3_*")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("no files given, %w", errUsage)
	}

	envRepo, err := common.apply(logger)
	if err != nil {
		return err
	}
	cfg, err := upload.LoadConfig(*configPath, envRepo)
	if err != nil {
		return err
	}
	endpoints := loadEndpoints(envRepo)
	tokens := tokenSource(envRepo, logger)

	expander := upload.NewPathExpander(logger, pathutil.NewPathModifier(), pathutil.NewPathChecker())
	paths, err := expander.Expand(fs.Args())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("none of the given paths matched a file")
	}

	var handles []upload.FileHandle
	for _, path := range paths {
		handle, file, err := upload.OpenFile(path)
		if err != nil {
			return err
		}
		defer file.Close() //nolint:errcheck
		handles = append(handles, handle)
	}

	var transport network.Transport
	if *useS3 {
		transport, err = newS3Transport(ctx, envRepo, logger)
		if err != nil {
			return err
		}
	} else {
		transport = network.NewAPIClient(endpoints.api, tokens, logger)
	}

	tracker, err := clientanalytics.NewDefaultClientTracker(envRepo, logger, version)
	if err != nil {
		logger.Debugf("Analytics disabled: %s", err)
		tracker = nil
	}

	printer := newStatusPrinter(logger)
	manager, err := upload.NewManager(upload.Options{
		Config:    cfg,
		Transport: transport,
		Logger:    logger,
		Tracker:   tracker,
		OnChange:  printer.onChange,
	})
	if err != nil {
		return err
	}
	defer manager.Close()
	manager.Start(ctx)

	accepted, rejected := manager.AddFiles(handles...)
	for _, invalid := range rejected {
		logger.Warnf("Skipping %s: %s", invalid.File.Name, invalid.Reason())
	}
	if len(accepted) == 0 {
		return fmt.Errorf("no file passed validation")
	}

	results, err := waitForUploads(ctx, manager, accepted)
	if err != nil {
		return err
	}

	var uploaded []upload.FileUploadInfo
	for _, f := range results {
		if f.Status == upload.StatusSuccess {
			uploaded = append(uploaded, f)
		}
	}
	logger.Println()
	logger.Infof("Uploaded %d of %d files", len(uploaded), len(handles))

	if *watch {
		if *useS3 {
			logger.Warnf("Processing can not be followed for uploads that bypassed the backend")
		} else {
			followFiles(ctx, uploaded, endpoints, tokens, logger)
		}
	}

	if failed := len(handles) - len(uploaded); failed > 0 {
		return fmt.Errorf("%d of %d files were not uploaded", failed, len(handles))
	}
	return nil
}

func newS3Transport(ctx context.Context, envRepo env.Repository, logger log.Logger) (network.Transport, error) {
	return network.NewS3Transport(ctx, network.S3Params{
		Bucket:          envRepo.Get(S3BucketEnvKey),
		Region:          envRepo.Get(S3RegionEnvKey),
		AccessKeyID:     envRepo.Get(AWSAccessKeyIDKey),
		SecretAccessKey: envRepo.Get(AWSSecretKeyKey),
		Endpoint:        envRepo.Get(S3EndpointEnvKey),
		KeyPrefix:       envRepo.Get(S3KeyPrefixEnvKey),
	}, logger)
}

// waitForUploads blocks until every accepted file reached a terminal status.
func waitForUploads(ctx context.Context, manager *upload.Manager, accepted []upload.FileUploadInfo) ([]upload.FileUploadInfo, error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		results := make([]upload.FileUploadInfo, 0, len(accepted))
		done := true
		for _, a := range accepted {
			f, ok := manager.File(a.ID)
			if !ok {
				continue
			}
			results = append(results, f)
			if !f.Status.Terminal() {
				done = false
			}
		}
		if done {
			return results, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upload interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// statusPrinter logs a line whenever a file's status or whole-ten progress
// changes.
type statusPrinter struct {
	logger log.Logger

	mu   sync.Mutex
	last map[string]string
}

func newStatusPrinter(logger log.Logger) *statusPrinter {
	return &statusPrinter{logger: logger, last: map[string]string{}}
}

func (p *statusPrinter) onChange(f upload.FileUploadInfo) {
	line := fmt.Sprintf("%s: %s %d%%", f.File.Name, f.Status, f.Progress/10*10)

	p.mu.Lock()
	if p.last[f.ID] == line {
		p.mu.Unlock()
		return
	}
	p.last[f.ID] = line
	p.mu.Unlock()

	switch f.Status {
	case upload.StatusError, upload.StatusTimeout:
		p.logger.Errorf("%s: %s", f.File.Name, f.ErrorMessage)
	case upload.StatusSuccess:
		p.logger.Donef("%s: uploaded (%s)", f.File.Name, units.HumanSizeWithPrecision(float64(f.File.Size), 3))
	case upload.StatusUploading:
		if remaining, ok := f.RemainingDuration(); ok {
			fmt.Fprintf(os.Stdout, "%s, %s/s, %s left\n", line, units.HumanSize(f.Speed), remaining.Round(time.Second))
			return
		}
		fmt.Fprintln(os.Stdout, line)
	default:
		p.logger.Printf("%s", line)
	}
}
