package hf

import (
	"context"

	"github.com/italolelis/llama_manager/internal/telemetry"
)

const clientName = "huggingface"

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	*Client

	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented hub client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{Client: client, telemetry: tel}
}

// Search searches the hub with telemetry.
func (c *InstrumentedClient) Search(ctx context.Context, query string, limit int, token string) ([]Model, error) {
	var result []Model

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, clientName, "search", func(ctx context.Context) error {
		var err error

		result, err = c.Client.Search(ctx, query, limit, token)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ListFiles lists repository files with telemetry.
func (c *InstrumentedClient) ListFiles(ctx context.Context, modelID, token string) ([]RepoFile, error) {
	var result []RepoFile

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, clientName, "list_files", func(ctx context.Context) error {
		var err error

		result, err = c.Client.ListFiles(ctx, modelID, token)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
