package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Message Body Adapter
// =============================================================================

const (
	collectionMessageBodies = "message_bodies"

	// Only compress bodies larger than this.
	bodyCompressionThreshold = 1024
)

// BodyAdapter implements out.BodyRepository using MongoDB. Full message
// bodies live here; PostgreSQL only keeps the snippet.
type BodyAdapter struct {
	collection *mongo.Collection
}

// NewBodyAdapter creates a new MongoDB message body adapter.
func NewBodyAdapter(db *mongo.Database) *BodyAdapter {
	return &BodyAdapter{collection: db.Collection(collectionMessageBodies)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BodyAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "fetched_at", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type bodyDocument struct {
	MessageID string `bson:"message_id"`

	// Content, gzip-compressed past the threshold
	HTML         []byte `bson:"html,omitempty"`
	Text         []byte `bson:"text,omitempty"`
	IsCompressed bool   `bson:"is_compressed"`

	Attachments []bodyAttachmentDocument `bson:"attachments,omitempty"`

	FetchedAt   time.Time `bson:"fetched_at"`
	FetchFailed bool      `bson:"fetch_failed,omitempty"`
}

type bodyAttachmentDocument struct {
	ID       string `bson:"id"`
	Filename string `bson:"filename"`
	MimeType string `bson:"mime_type"`
	Size     int64  `bson:"size"`
}

// =============================================================================
// Operations
// =============================================================================

func (a *BodyAdapter) Get(ctx context.Context, messageID string) (*domain.MessageBody, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message body: %w", err)
	}
	return a.toDomain(&doc)
}

func (a *BodyAdapter) Save(ctx context.Context, body *domain.MessageBody) error {
	doc, err := a.toDocument(body)
	if err != nil {
		return fmt.Errorf("failed to convert message body: %w", err)
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"message_id": body.MessageID}

	if _, err := a.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("failed to save message body: %w", err)
	}
	return nil
}

func (a *BodyAdapter) Delete(ctx context.Context, messageID string) error {
	_, err := a.collection.DeleteOne(ctx, bson.M{"message_id": messageID})
	return err
}

// =============================================================================
// Conversion
// =============================================================================

func (a *BodyAdapter) toDocument(body *domain.MessageBody) (*bodyDocument, error) {
	doc := &bodyDocument{
		MessageID:   body.MessageID,
		FetchedAt:   body.FetchedAt,
		FetchFailed: body.FetchFailed,
	}

	html := []byte(body.HTMLBody)
	text := []byte(body.TextBody)

	if len(html)+len(text) > bodyCompressionThreshold {
		var err error
		if doc.HTML, err = compressBytes(html); err != nil {
			return nil, err
		}
		if doc.Text, err = compressBytes(text); err != nil {
			return nil, err
		}
		doc.IsCompressed = true
	} else {
		doc.HTML = html
		doc.Text = text
	}

	for _, att := range body.Attachments {
		doc.Attachments = append(doc.Attachments, bodyAttachmentDocument{
			ID:       att.ID,
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}

	return doc, nil
}

func (a *BodyAdapter) toDomain(doc *bodyDocument) (*domain.MessageBody, error) {
	html := doc.HTML
	text := doc.Text

	if doc.IsCompressed {
		var err error
		if html, err = decompressBytes(html); err != nil {
			return nil, fmt.Errorf("failed to decompress html body: %w", err)
		}
		if text, err = decompressBytes(text); err != nil {
			return nil, fmt.Errorf("failed to decompress text body: %w", err)
		}
	}

	body := &domain.MessageBody{
		MessageID:   doc.MessageID,
		HTMLBody:    string(html),
		TextBody:    string(text),
		FetchedAt:   doc.FetchedAt,
		FetchFailed: doc.FetchFailed,
	}

	for _, att := range doc.Attachments {
		body.Attachments = append(body.Attachments, domain.Attachment{
			ID:       att.ID,
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}

	return body, nil
}

func compressBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

var _ out.BodyRepository = (*BodyAdapter)(nil)
