package gcp

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// When FIRESTORE_EMULATOR_HOST is set the client library talks to the emulator instead.
func NewFirestoreClient(ctx context.Context, log zerolog.Logger, projectID string, opts ...option.ClientOption) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	if host := os.Getenv("FIRESTORE_EMULATOR_HOST"); host != "" {
		log.Warn().Str("emulatorHost", host).Msg("using Firestore emulator")
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}
