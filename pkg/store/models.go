package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type BookModel struct {
	ID              string         `gorm:"primaryKey"`
	Title           string         `gorm:"size:200;not null"`
	Author          string         `gorm:"size:100;not null;index"`
	Genre           string         `gorm:"size:50;not null;index"`
	PublicationYear int            `gorm:"not null"`
	Description     string         `gorm:"size:1000;not null"`
	Status          string         `gorm:"size:20;not null;index"`
	Rating          float64        `gorm:"not null;index"`
	TotalPages      int            `gorm:"not null"`
	ISBN            string         `gorm:"column:isbn;uniqueIndex;not null"`
	CoverImage      string
	Language        string         `gorm:"size:30"`
	Publisher       string         `gorm:"size:100"`
	Tags            datatypes.JSON `gorm:"type:jsonb"`
	CheckedOutBy    *string        `gorm:"index"`
	CheckedOutDate  *time.Time
	DueDate         *time.Time
	Version         int           `gorm:"not null"`
	CreatedAt       time.Time     `gorm:"not null;index"`
	UpdatedAt       time.Time     `gorm:"not null"`
	Reviews         []ReviewModel `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
}

func (BookModel) TableName() string { return "books" }

type ReviewModel struct {
	ID         string    `gorm:"primaryKey"`
	BookID     string    `gorm:"not null;uniqueIndex:idx_reviews_book_user"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_reviews_book_user;index"`
	Rating     int       `gorm:"not null"`
	Comment    string    `gorm:"size:500"`
	ReviewDate time.Time `gorm:"not null"`
}

func (ReviewModel) TableName() string { return "reviews" }
