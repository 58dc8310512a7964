package models

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type PageInfo struct {
	StartCursor string `json:"startCursor"`
	EndCursor   string `json:"endCursor"`
	HasNextPage *bool  `json:"hasNextPage,omitempty"`
}

func DecodeCursor(cursor *string) (string, error) {
	decodedCursor := ""
	if cursor != nil {
		b, err := base64.StdEncoding.DecodeString(*cursor)
		if err != nil {
			return decodedCursor, err
		}
		decodedCursor = string(b)
	}
	return decodedCursor, nil
}

func EncodeCursor(cursor string) string {
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

// DocumentFilter narrows ListDocuments; zero fields are ignored.
type DocumentFilter struct {
	State          DocumentState
	PaymentState   PaymentState
	ClientIdNumber string
	PrincipalsOnly bool
}

func (f DocumentFilter) apply(db *gorm.DB) *gorm.DB {
	if f.State != "" {
		db = db.Where("state = ?", f.State)
	}
	if f.PaymentState != "" {
		db = db.Where("payment_state = ?", f.PaymentState)
	}
	if f.ClientIdNumber != "" {
		db = db.Where("client_id_number = ?", f.ClientIdNumber)
	}
	if f.PrincipalsOnly {
		db = db.Where("principal_id IS NULL")
	}
	return db
}

// ListDocuments pages through documents in id order. The cursor is the opaque id of the last row seen.
func ListDocuments(ctx context.Context, db *gorm.DB, filter DocumentFilter, after *string, limit int) ([]Document, PageInfo, error) {
	var pageInfo PageInfo
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	decoded, err := DecodeCursor(after)
	if err != nil {
		return nil, pageInfo, fmt.Errorf("%w: cursor: %v", ErrInvalidInput, err)
	}
	query := filter.apply(db.WithContext(ctx).Model(&Document{}))
	if decoded != "" {
		lastId, err := strconv.Atoi(decoded)
		if err != nil {
			return nil, pageInfo, fmt.Errorf("%w: cursor: %v", ErrInvalidInput, err)
		}
		query = query.Where("id > ?", lastId)
	}

	var docs []Document
	if err := query.Order("id ASC").Limit(limit + 1).Find(&docs).Error; err != nil {
		return nil, pageInfo, err
	}
	hasNextPage := len(docs) > limit
	if hasNextPage {
		docs = docs[:limit]
	}
	pageInfo.HasNextPage = &hasNextPage
	if len(docs) > 0 {
		pageInfo.StartCursor = EncodeCursor(strconv.Itoa(docs[0].ID))
		pageInfo.EndCursor = EncodeCursor(strconv.Itoa(docs[len(docs)-1].ID))
	}
	return docs, pageInfo, nil
}
