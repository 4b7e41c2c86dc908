package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/collab"
)

var (
	ErrUserNotFound  = errors.New("USER_NOT_FOUND")
	ErrUsernameTaken = errors.New("USERNAME_TAKEN")
)

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;size:64"`
	PasswordHash []byte `gorm:"size:128"`
	CreatedAt    time.Time
}

type Document struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   uint64 `gorm:"index"`
	Title     string `gorm:"size:255"`
	Content   string `gorm:"type:longtext"`
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&User{}, &Document{}); err != nil {
		return nil, err
	}
	return db, nil
}

type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// LoadDocument hydrates a room. A missing row maps to the core's
// DOCUMENT_NOT_FOUND so joins against unknown documents are rejected.
func (s *DocumentStore) LoadDocument(ctx context.Context, docID string) (string, uint64, error) {
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", docID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", 0, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, docID)
		}
		return "", 0, err
	}
	return doc.Content, doc.Revision, nil
}

func (s *DocumentStore) SaveDocument(ctx context.Context, docID, content string, version uint64) error {
	return s.db.WithContext(ctx).Model(&Document{ID: docID}).
		Updates(map[string]any{"content": content, "revision": version}).Error
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	doc := Document{ID: uuid.NewString(), OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (s *DocumentStore) ListByOwner(ctx context.Context, ownerID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Select("id", "owner_id", "title", "revision", "updated_at").
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&docs).Error
	return docs, err
}

type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, username string, passwordHash []byte) (uint64, error) {
	var existing User
	err := s.db.WithContext(ctx).First(&existing, "username = ?", username).Error
	if err == nil {
		return 0, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	u := User{Username: username, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return nil, err
	}
	return &u, nil
}
