package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"brea/server/config"
	"brea/server/internal/models"
	"brea/server/internal/queue"
)

// Job asks for the images of one property to be downloaded and linked.
type Job struct {
	PropertyID uint
	URLs       []string
}

// Result counts what Process did with each URL.
type Result struct {
	Reused     int `json:"reused"`
	Downloaded int `json:"downloaded"`
	NearMatch  int `json:"near_match"`
	Created    int `json:"created"`
	Failed     int `json:"failed"`
}

// Service deduplicates listing images by content. Identical bytes share a
// record through their sha256; near-identical pictures share one through
// their perceptual hash.
type Service struct {
	repo      *Repository
	index     *Index
	client    *http.Client
	threshold int
	maxBytes  int64
	workers   int
	queue     *queue.Queue[Job]
	logger    *logrus.Logger
	now       func() time.Time

	// flights collapses concurrent work on the same downloaded bytes
	flights singleflight.Group

	// insertMu serialises the nearest-match check with the insert that follows it
	insertMu sync.Mutex
}

func NewService(cfg *config.Config, db *gorm.DB, client *http.Client, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Images.DownloadTimeout}
	}
	return &Service{
		repo:      NewRepository(db),
		index:     NewIndex(),
		client:    client,
		threshold: cfg.Images.HashThreshold,
		maxBytes:  cfg.Images.MaxBytes,
		workers:   cfg.Images.Workers,
		queue:     queue.New[Job]("images", cfg.Images.QueueSize, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Load fills the fingerprint index from the store.
func (s *Service) Load(ctx context.Context) error {
	fingerprints, err := s.repo.Fingerprints(ctx)
	if err != nil {
		return err
	}
	for id, hash := range fingerprints {
		s.index.Add(id, hash)
	}
	s.logger.WithField("images", len(fingerprints)).Info("Loaded image fingerprint index")
	return nil
}

// Start launches the image workers.
func (s *Service) Start(ctx context.Context) {
	s.queue.Subscribe(func(ctx context.Context, job Job) error {
		_, err := s.Process(ctx, job.PropertyID, job.URLs)
		return err
	})
	s.queue.Start(ctx, s.workers)
}

// Stop closes the queue and waits for queued jobs to finish.
func (s *Service) Stop() {
	_ = s.queue.Close()
	s.queue.Wait()
}

// Enqueue hands a job to the workers without blocking. It returns false
// when the queue is full or closed and the job was dropped.
func (s *Service) Enqueue(propertyID uint, urls []string) bool {
	if len(urls) == 0 {
		return true
	}
	job := Job{PropertyID: propertyID, URLs: append([]string(nil), urls...)}
	return s.queue.TryPush(job) == nil
}

// Pending returns the number of queued jobs.
func (s *Service) Pending() int {
	return s.queue.Len()
}

// Links returns the images linked to a property.
func (s *Service) Links(ctx context.Context, propertyID uint) ([]models.PropertyImage, error) {
	return s.repo.Links(ctx, propertyID)
}

// Process links every URL of a property to an image record. Per-image
// failures are logged and counted; only cancellation is returned as an error.
func (s *Service) Process(ctx context.Context, propertyID uint, urls []string) (Result, error) {
	var res Result
	logger := s.logger.WithField("property_id", propertyID)

	for pos, url := range urls {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		imageID, how, err := s.resolve(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			logger.WithError(err).WithField("url", url).Warn("Skipping image")
			continue
		}

		if err := s.repo.Link(ctx, propertyID, url, imageID, pos, s.now()); err != nil {
			res.Failed++
			logger.WithError(err).WithField("url", url).Error("Failed to link image")
			continue
		}

		switch how {
		case resolvedByURL:
			res.Reused++
		case resolvedBySHA:
			res.Downloaded++
			res.Reused++
		case resolvedByHash:
			res.Downloaded++
			res.NearMatch++
		case resolvedNew:
			res.Downloaded++
			res.Created++
		}
	}

	pruned, err := s.repo.Prune(ctx, propertyID, urls)
	if err != nil {
		logger.WithError(err).Error("Failed to prune stale image links")
	} else if pruned > 0 {
		logger.WithField("pruned", pruned).Debug("Dropped image links no longer listed")
	}

	logger.WithFields(logrus.Fields{
		"reused":     res.Reused,
		"created":    res.Created,
		"near_match": res.NearMatch,
		"failed":     res.Failed,
	}).Debug("Processed property images")
	return res, nil
}

type resolution int

const (
	resolvedByURL resolution = iota
	resolvedBySHA
	resolvedByHash
	resolvedNew
)

func (s *Service) resolve(ctx context.Context, url string) (uint, resolution, error) {
	if id, ok, err := s.repo.ImageForURL(ctx, url); err != nil {
		return 0, 0, err
	} else if ok {
		return id, resolvedByURL, nil
	}

	data, err := s.download(ctx, url)
	if err != nil {
		return 0, 0, err
	}

	sum := contentSHA256(data)
	leader := false
	v, err, _ := s.flights.Do(sum, func() (interface{}, error) {
		leader = true
		id, how, err := s.resolveContent(ctx, url, sum, data)
		return resolvedImage{id: id, how: how}, err
	})
	if err != nil {
		return 0, 0, err
	}
	r := v.(resolvedImage)
	if !leader {
		// Another worker resolved the same bytes
		return r.id, resolvedBySHA, nil
	}
	return r.id, r.how, nil
}

type resolvedImage struct {
	id  uint
	how resolution
}

// resolveContent maps downloaded bytes to an image. The fingerprint is only
// computed for a checksum never seen before, and every checksum is recorded.
func (s *Service) resolveContent(ctx context.Context, url, sum string, data []byte) (uint, resolution, error) {
	if id, ok, err := s.repo.ImageBySHA256(ctx, sum); err != nil {
		return 0, 0, err
	} else if ok {
		return id, resolvedBySHA, nil
	}

	fp, err := ComputeFingerprint(data)
	if err != nil {
		return 0, 0, err
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	if id, dist, ok := s.index.Nearest(fp.Hash); ok && dist <= s.threshold {
		if err := s.repo.RecordChecksum(ctx, sum, id, s.now()); err != nil {
			return 0, 0, err
		}
		return id, resolvedByHash, nil
	}

	img := models.Image{
		PerceptualHash: int64(fp.Hash),
		ContentSHA256:  sum,
		SourceURL:      url,
		Width:          fp.Width,
		Height:         fp.Height,
		DownloadedAt:   s.now().UTC(),
	}
	if err := s.repo.Create(ctx, &img); err != nil {
		return 0, 0, err
	}
	s.index.Add(img.ID, fp.Hash)
	return img.ID, resolvedNew, nil
}

func (s *Service) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid image url: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: http %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if s.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("image larger than %d bytes", s.maxBytes)
	}
	return data, nil
}
