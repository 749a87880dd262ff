package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"brea/server/internal/models"
)

// Repository persists images and their property links.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type storedFingerprint struct {
	ID             uint
	PerceptualHash int64
}

// Fingerprints returns the hash of every stored image.
func (r *Repository) Fingerprints(ctx context.Context) (map[uint]uint64, error) {
	var rows []storedFingerprint
	if err := r.db.WithContext(ctx).Model(&models.Image{}).Select("id, perceptual_hash").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	out := make(map[uint]uint64, len(rows))
	for _, row := range rows {
		out[row.ID] = uint64(row.PerceptualHash)
	}
	return out, nil
}

// ImageForURL finds an image already known under url, through an existing
// link or as the URL it was first downloaded from.
func (r *Repository) ImageForURL(ctx context.Context, url string) (uint, bool, error) {
	var link models.PropertyImage
	err := r.db.WithContext(ctx).Where("url = ?", url).Take(&link).Error
	if err == nil {
		return link.ImageID, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, fmt.Errorf("failed to look up image link: %w", err)
	}

	var img models.Image
	err = r.db.WithContext(ctx).Select("id").Where("source_url = ?", url).Take(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up image by url: %w", err)
	}
	return img.ID, true, nil
}

// ImageBySHA256 finds the image a byte sequence resolved to before.
func (r *Repository) ImageBySHA256(ctx context.Context, sum string) (uint, bool, error) {
	var checksum models.ImageChecksum
	err := r.db.WithContext(ctx).Where("content_sha256 = ?", sum).Take(&checksum).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up image by checksum: %w", err)
	}
	return checksum.ImageID, true, nil
}

// RecordChecksum remembers that sum resolved to imageID. The first
// resolution of a checksum wins.
func (r *Repository) RecordChecksum(ctx context.Context, sum string, imageID uint, now time.Time) error {
	return recordChecksum(r.db.WithContext(ctx), sum, imageID, now)
}

func recordChecksum(db *gorm.DB, sum string, imageID uint, now time.Time) error {
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ImageChecksum{
		ContentSHA256: sum,
		ImageID:       imageID,
		RecordedAt:    now.UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record image checksum: %w", err)
	}
	return nil
}

// Create stores a new image together with the checksum of its bytes.
func (r *Repository) Create(ctx context.Context, img *models.Image) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(img).Error; err != nil {
			return fmt.Errorf("failed to insert image: %w", err)
		}
		return recordChecksum(tx, img.ContentSHA256, img.ID, img.DownloadedAt)
	})
}

// Link attaches imageID to the property under url, replacing any earlier
// link for the same url.
func (r *Repository) Link(ctx context.Context, propertyID uint, url string, imageID uint, position int, now time.Time) error {
	link := models.PropertyImage{
		PropertyID: propertyID,
		URL:        url,
		ImageID:    imageID,
		Position:   position,
		LinkedAt:   now.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "property_id"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_id", "position", "linked_at"}),
	}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to link image: %w", err)
	}
	return nil
}

// Prune drops the links of a property whose url is no longer listed.
func (r *Repository) Prune(ctx context.Context, propertyID uint, urls []string) (int64, error) {
	q := r.db.WithContext(ctx).Where("property_id = ?", propertyID)
	if len(urls) > 0 {
		q = q.Where("url NOT IN ?", urls)
	}
	res := q.Delete(&models.PropertyImage{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune image links: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Links returns the images linked to a property in listing order.
func (r *Repository) Links(ctx context.Context, propertyID uint) ([]models.PropertyImage, error) {
	var links []models.PropertyImage
	err := r.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("position ASC").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list image links: %w", err)
	}
	return links, nil
}
