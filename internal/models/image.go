package models

import "time"

// Image is one stored picture. Near-duplicate downloads link to an existing
// Image instead of creating a new one.
type Image struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	PerceptualHash int64     `gorm:"column:perceptual_hash" json:"perceptual_hash"`
	ContentSHA256  string    `gorm:"column:content_sha256" json:"content_sha256"`
	SourceURL      string    `gorm:"column:source_url" json:"source_url"`
	Width          int       `gorm:"column:width" json:"width"`
	Height         int       `gorm:"column:height" json:"height"`
	DownloadedAt   time.Time `gorm:"column:downloaded_at" json:"downloaded_at"`
}

func (Image) TableName() string {
	return "images"
}

// PropertyImage links a property to an image through the URL it was listed under.
type PropertyImage struct {
	PropertyID uint      `gorm:"column:property_id;primaryKey" json:"property_id"`
	URL        string    `gorm:"column:url;primaryKey" json:"url"`
	ImageID    uint      `gorm:"column:image_id" json:"image_id"`
	Position   int       `gorm:"column:position" json:"position"`
	LinkedAt   time.Time `gorm:"column:linked_at" json:"linked_at"`
}

func (PropertyImage) TableName() string {
	return "property_images"
}

// ImageChecksum maps the sha256 of every byte sequence ever downloaded to
// the image it resolved to, near matches included.
type ImageChecksum struct {
	ContentSHA256 string    `gorm:"column:content_sha256;primaryKey" json:"content_sha256"`
	ImageID       uint      `gorm:"column:image_id" json:"image_id"`
	RecordedAt    time.Time `gorm:"column:recorded_at" json:"recorded_at"`
}

func (ImageChecksum) TableName() string {
	return "image_checksums"
}
