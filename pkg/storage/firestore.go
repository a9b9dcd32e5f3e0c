package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreRecordsCollection = "records"

// FirestoreProvider implements Database using Google Cloud Firestore.
// Each record is a document in the "records" collection keyed by record key.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) doc(key string) (*firestore.DocumentRef, error) {
	if key == "" {
		return nil, fmt.Errorf("record key cannot be empty")
	}
	return f.client.Collection(firestoreRecordsCollection).Doc(key), nil
}

// GetRecord reads the "json" field of the record document.
func (f *FirestoreProvider) GetRecord(ctx context.Context, key string) ([]byte, error) {
	ref, err := f.doc(key)
	if err != nil {
		return nil, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch record doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "record doc missing json", slog.String("key", key))
		return nil, fmt.Errorf("record document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "record doc json not string", slog.String("key", key))
		return nil, fmt.Errorf("record 'json' field is not a string")
	}
	return []byte(jsonStr), nil
}

// SetRecord stores the record as a JSON string for portability.
func (f *FirestoreProvider) SetRecord(ctx context.Context, key string, data []byte) error {
	ref, err := f.doc(key)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"json":    string(data),
		"updated": firestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}
