package bulk

import (
	"io"
	"strings"
	"testing"
)

const sampleExport = `{"__typename":"Order","id":"gid://shopify/Order/1","total":"10.00"}
{"__typename":"Order","id":"gid://shopify/Order/2","total":"20.00"}
this line is not json
{"id":"gid://shopify/Product/7","title":"widget"}

{"__typename":"Order","id":"gid://shopify/Order/3","total":"30.00"}
`

func TestStreamReaderSkipsMalformedLines(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(sampleExport))

	seen := []string{}
	stats, err := reader.Drain(func(record Record) error {
		seen = append(seen, record.TypeName)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Records != 4 {
		t.Fatalf("expected 4 records, got %d", stats.Records)
	}
	if stats.Malformed != 1 {
		t.Fatalf("expected 1 malformed line counted, got %d", stats.Malformed)
	}
	want := []string{"Order", "Order", "Product", "Order"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected types %v, got %v", want, seen)
		}
	}
}

func TestStreamReaderPagingWithCursor(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(sampleExport))

	page, cursor, err := reader.Page(2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || cursor != 2 {
		t.Fatalf("expected 2 records with cursor 2, got %d records cursor %d", len(page), cursor)
	}

	// Resume from the cursor on a fresh reader, as a second request would.
	resumed := NewStreamReader(strings.NewReader(sampleExport))
	if err := resumed.Seek(cursor); err != nil {
		t.Fatalf("seek: %v", err)
	}
	rest, _, err := resumed.Page(10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining records, got %d", len(rest))
	}
	if rest[0].Data["title"] != "widget" {
		t.Fatalf("expected the product record first after resume, got %+v", rest[0])
	}
}

func TestStreamReaderNextReturnsEOF(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(""))
	if _, err := reader.Next(); err != io.EOF {
		t.Fatalf("expected EOF on empty stream, got %v", err)
	}
}

func TestStreamReaderTypeFromGID(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(`{"id":"gid://shopify/Customer/42"}` + "\n"))
	record, err := reader.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if record.TypeName != "Customer" {
		t.Fatalf("expected Customer from gid, got %q", record.TypeName)
	}
}
