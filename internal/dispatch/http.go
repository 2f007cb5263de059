package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/fiscaldoc/internal/clock"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	"github.com/smallbiznis/fiscaldoc/internal/observability/tracing"
	"github.com/smallbiznis/fiscaldoc/internal/storage"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	resultDelivered  = "delivered"
	resultFailed     = "failed"
	resultNoEndpoint = "no_endpoint"
	resultDropped    = "dropped"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Storage    storage.Storage
	Endpoints  EndpointResolver
	Recorder   DeliveryRecorder    `optional:"true"`
	Client     *http.Client        `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// HTTPDispatcher posts documents as multipart forms. At most MaxInFlight
// submissions run concurrently; extra submissions wait in their goroutine.
type HTTPDispatcher struct {
	defaultEndpoint string
	timeout         time.Duration

	client     *http.Client
	storage    storage.Storage
	endpoints  EndpointResolver
	recorder   DeliveryRecorder
	clock      clock.Clock
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewHTTPDispatcher(p Params) *HTTPDispatcher {
	inFlight := p.Cfg.Dispatch.MaxInFlight
	if inFlight <= 0 {
		inFlight = 16
	}
	timeout := p.Cfg.Dispatch.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := p.Client
	if client == nil {
		client = &http.Client{}
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &HTTPDispatcher{
		defaultEndpoint: strings.TrimSpace(p.Cfg.Dispatch.DefaultEndpoint),
		timeout:         timeout,
		client:          client,
		storage:         p.Storage,
		endpoints:       p.Endpoints,
		recorder:        p.Recorder,
		clock:           clk,
		log:             p.Log.Named("dispatch"),
		obsMetrics:      p.ObsMetrics,
		sem:             semaphore.NewWeighted(inFlight),
		stopCh:          make(chan struct{}),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, sub Submission) {
	// The caller's request finishes long before delivery does.
	detached := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(detached, sub)
	}()
}

func (d *HTTPDispatcher) deliver(ctx context.Context, sub Submission) {
	log := d.log.With(
		zap.String("document_id", sub.DocumentID.String()),
		zap.String("company_id", sub.CompanyID.String()),
	)

	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	go func() {
		select {
		case <-d.stopCh:
			cancelAcquire()
		case <-acquireCtx.Done():
		}
	}()
	err := d.sem.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		d.obsMetrics.RecordDispatch(ctx, resultDropped)
		log.Warn("dispatch dropped during shutdown")
		return
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	endpoint, err := d.resolveEndpoint(ctx, sub)
	if err != nil {
		d.obsMetrics.RecordDispatch(ctx, resultNoEndpoint)
		log.Error("no dispatch endpoint, document stays in PROCESSING", zap.Error(err))
		return
	}

	if err := d.post(ctx, endpoint, sub); err != nil {
		d.obsMetrics.RecordDispatch(ctx, resultFailed)
		log.Error("dispatch failed, document stays in PROCESSING",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return
	}

	d.obsMetrics.RecordDispatch(ctx, resultDelivered)
	log.Info("document dispatched", zap.String("endpoint", endpoint))

	if d.recorder != nil {
		if err := d.recorder.MarkDispatched(ctx, sub.DocumentID, d.clock.Now()); err != nil {
			log.Warn("failed to record dispatch", zap.Error(err))
		}
	}
}

func (d *HTTPDispatcher) resolveEndpoint(ctx context.Context, sub Submission) (string, error) {
	if d.endpoints != nil {
		endpoint, err := d.endpoints.WebhookURL(ctx, sub.CompanyID)
		if err != nil {
			d.log.Warn("webhook lookup failed, using default endpoint",
				zap.String("company_id", sub.CompanyID.String()),
				zap.Error(err),
			)
		} else if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			return endpoint, nil
		}
	}
	if d.defaultEndpoint == "" {
		return "", ErrNoEndpoint
	}
	return d.defaultEndpoint, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, endpoint string, sub Submission) error {
	file, err := d.storage.Get(ctx, sub.StorageKey)
	if err != nil {
		return fmt.Errorf("open stored document: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"document_id", sub.DocumentID.String()},
		{"company_id", sub.CompanyID.String()},
		{"uploaded_by", sub.UploadedBy.String()},
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	contentType := sub.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, sub.FileName))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy document: %w", err)
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Correlation-ID", sub.DocumentID.String())
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis engine responded %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every in-flight submission finished or ctx is done.
func (d *HTTPDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drops queued submissions and waits for the running ones.
func (d *HTTPDispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	return d.Wait(ctx)
}
