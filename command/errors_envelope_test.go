package command

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
)

func TestCreateBulkJobMessage_ValidateReturnsRichError(t *testing.T) {
	err := (CreateBulkJobMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.IngestErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.IngestErrorBadInput, rich.TextCode)
	}
}

func TestIngestWebhookCommand_NilIngestorReturnsRichError(t *testing.T) {
	var cmd *IngestWebhookCommand
	err := cmd.Execute(context.Background(), IngestWebhookMessage{})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}

func TestCommandFieldValidationCarriesFieldContext(t *testing.T) {
	err := commandValidationError("delivery_id", "delivery id is required")

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected validation envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if len(rich.ValidationErrors) != 1 || rich.ValidationErrors[0].Field != "delivery_id" {
		t.Fatalf("expected field context, got %+v", rich.ValidationErrors)
	}
}
