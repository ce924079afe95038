// Package loopclosing drives loop-closure detection for a stereo SLAM pose
// graph: clusters of tracked features arrive from the tracking thread, are
// hashed and persisted, and are matched against older graph regions by
// structural proximity and by appearance. Verified matches become new graph
// edges.
package loopclosing

import (
	"context"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/loopclosure/cluster"
	"go.viam.com/loopclosure/graph"
	"go.viam.com/loopclosure/hashindex"
	"go.viam.com/loopclosure/queue"
	"go.viam.com/loopclosure/storage"
	"go.viam.com/loopclosure/transform"
	"go.viam.com/loopclosure/utils"
	"go.viam.com/loopclosure/verify"
	"go.viam.com/loopclosure/viz"
)

// Status is the telemetry snapshot published after every processed tick.
type Status struct {
	Keyframes    int
	LoopClosures int
	QueueDepth   int
}

// StatusSink receives telemetry. Implementations must be fast; they run on
// the consumer thread.
type StatusSink func(Status)

// LoopClosing owns the consumer side of the subsystem: queue, scratch
// store, hash index, verifier and renderer. One producer may call
// AddCluster concurrently with the running worker; everything else is
// consumer-owned.
type LoopClosing struct {
	cfg      Config
	graph    graph.Graph
	logger   golog.Logger
	clock    clock.Clock
	queue    *queue.ClusterQueue
	store    *storage.Store
	index    *hashindex.Index
	verifier *verify.Verifier
	renderer *viz.Renderer
	status   StatusSink
	workers  utils.StoppableWorkers
}

// Option configures optional collaborators at construction.
type Option func(*options)

type options struct {
	clock     clock.Clock
	status    StatusSink
	imageSink viz.ImageSink
	estimator verify.Estimator
}

// WithClock substitutes the ticker clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStatusSink registers a telemetry receiver.
func WithStatusSink(s StatusSink) Option {
	return func(o *options) { o.status = s }
}

// WithImageSink registers a receiver for rendered closure images.
func WithImageSink(s viz.ImageSink) Option {
	return func(o *options) { o.imageSink = s }
}

// WithEstimator substitutes the pose estimator, for tests.
func WithEstimator(e verify.Estimator) Option {
	return func(o *options) { o.estimator = e }
}

// New builds the subsystem. The scratch store under cfg.WorkDir is wiped
// and recreated; an unusable work directory is fatal. The graph is owned by
// the caller and must serialize its own optimization.
func New(cfg Config, g graph.Graph, logger golog.Logger, opts ...Option) (*LoopClosing, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := storage.NewStore(filepath.Join(cfg.WorkDir, "clusters"), logger)
	if err != nil {
		return nil, err
	}

	lc := &LoopClosing{
		cfg:    cfg,
		graph:  g,
		logger: logger,
		clock:  o.clock,
		queue:  queue.New(),
		store:  store,
		index:  hashindex.New(),
		status: o.status,
	}

	var report verify.ReportFunc
	if cfg.KeyframesDir != "" {
		renderer, err := viz.NewRenderer(
			cfg.KeyframesDir,
			filepath.Join(cfg.WorkDir, "loop_closures"),
			o.imageSink,
			logger,
		)
		if err != nil {
			return nil, multierr.Combine(err, store.Close())
		}
		lc.renderer = renderer
		renderer.PublishPlaceholder()
		report = func(r *verify.MatchReport) {
			if err := renderer.Render(r); err != nil {
				logger.Errorw("cannot render loop closure", "error", err)
			}
		}
	}

	estimator := o.estimator
	if estimator == nil {
		estimator = verify.NewRANSACEstimator(cfg.RANSACIterations, cfg.ReprojectionErrorPx, cfg.MaxInliers)
	}
	vcfg := cfg.verifyConfig()
	if cfg.CameraIntrinsicsPath != "" {
		intr, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(cfg.CameraIntrinsicsPath)
		if err != nil {
			return nil, multierr.Combine(
				errors.Wrapf(err, "cannot load camera intrinsics %q", cfg.CameraIntrinsicsPath),
				store.Close(),
			)
		}
		vcfg.Intrinsics = intr
	}
	lc.verifier = verify.NewVerifier(g, store, vcfg, estimator, report, logger)
	return lc, nil
}

// AddCluster enqueues a cluster for processing. Safe to call concurrently
// with the worker.
func (lc *LoopClosing) AddCluster(c *cluster.Cluster) {
	lc.queue.Push(c)
}

// Start launches the consumer worker. Calling Start twice is an error.
func (lc *LoopClosing) Start() error {
	if lc.workers != nil {
		return errors.New("already started")
	}
	lc.workers = utils.NewStoppableWorkers(lc.run)
	return nil
}

func (lc *LoopClosing) run(ctx context.Context) {
	interval := time.Second / time.Duration(lc.cfg.PollRateHz)
	ticker := lc.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c, ok := lc.queue.TryPop()
		if !ok {
			continue
		}
		lc.processCluster(c)
		lc.publishStatus()
	}
}

// processCluster runs one cluster through ingest and both candidate
// searches.
func (lc *LoopClosing) processCluster(c *cluster.Cluster) {
	if c.IsEmpty() {
		return
	}
	if !lc.index.Initialized() {
		lc.index.Initialize(c.Descriptors)
	}
	lc.index.Add(c.ID, lc.index.Hash(c.Descriptors))
	if err := lc.store.Put(c); err != nil {
		lc.logger.Errorw("cannot persist cluster", "id", c.ID, "error", err)
	}

	lc.searchByProximity(c)
	lc.searchByHash(c)
}

// searchByProximity verifies the structurally closest vertices outside the
// discard window.
func (lc *LoopClosing) searchByProximity(c *cluster.Cluster) {
	neighbors := lc.graph.FindClosestVertices(c.ID, c.ID, lc.cfg.DiscardWindow, lc.cfg.ProximityCandidates)
	for _, id := range neighbors {
		if lc.verifier.Records().IsClosed(c.ID, id) {
			continue
		}
		candidate := lc.store.Get(id)
		if candidate.IsEmpty() {
			continue
		}
		if lc.verifier.Verify(c, candidate) {
			lc.logger.Infof("loop closed by proximity: %d <-> %d", c.ID, id)
		}
	}
}

// searchByHash verifies the most hash-similar clusters, skipping pairs
// already closed.
func (lc *LoopClosing) searchByHash(c *cluster.Cluster) {
	candidates := lc.index.Candidates(c.ID, lc.cfg.DiscardWindow, lc.cfg.HashCandidates,
		func(id int) bool { return lc.verifier.Records().IsClosed(c.ID, id) })
	for _, cand := range candidates {
		candidate := lc.store.Get(cand.ID)
		if candidate.IsEmpty() {
			continue
		}
		if lc.verifier.Verify(c, candidate) {
			lc.logger.Infof("loop closed by hash: %d <-> %d (similarity %.3f)", c.ID, cand.ID, cand.Similarity)
		}
	}
}

func (lc *LoopClosing) publishStatus() {
	if lc.status == nil {
		return
	}
	lc.status(Status{
		Keyframes:    lc.graph.FrameNum(),
		LoopClosures: lc.verifier.Records().Len(),
		QueueDepth:   lc.queue.Depth(),
	})
}

// Stats returns the current telemetry snapshot.
func (lc *LoopClosing) Stats() Status {
	return Status{
		Keyframes:    lc.graph.FrameNum(),
		LoopClosures: lc.verifier.Records().Len(),
		QueueDepth:   lc.queue.Depth(),
	}
}

// Close stops the worker, if started, and releases the scratch store.
func (lc *LoopClosing) Close(ctx context.Context) error {
	if lc.workers != nil {
		lc.workers.Stop()
		lc.workers = nil
	}
	return lc.store.Close()
}
