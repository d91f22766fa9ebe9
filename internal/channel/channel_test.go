package channel

import (
	"reflect"
	"testing"
)

func TestResourceAndFieldChannelNames(t *testing.T) {
	if got := Resource("Product", "p1"); got != "crud>Product/p1" {
		t.Fatalf("unexpected resource channel: %s", got)
	}
	if got := Field("Product", "p1", "categoryId"); got != "crud>Product/p1/categoryId" {
		t.Fatalf("unexpected field channel: %s", got)
	}
}

func TestViewChannelSortsParameterKeys(t *testing.T) {
	name := View("Product", "byCat", map[string]any{
		"zone":       "west",
		"categoryId": "c1",
	})
	expected := `crud>byCat({"categoryId":"c1","zone":"west"}):Product`
	if name != expected {
		t.Fatalf("expected %s, got %s", expected, name)
	}
}

func TestViewChannelEncodesAbsentValuesAsNull(t *testing.T) {
	name := View("Product", "byCat", map[string]any{"categoryId": nil})
	expected := `crud>byCat({"categoryId":null}):Product`
	if name != expected {
		t.Fatalf("expected %s, got %s", expected, name)
	}
}

func TestParseRoundTripsModelChannels(t *testing.T) {
	tests := []struct {
		name       string
		channel    string
		descriptor Descriptor
	}{
		{
			name:       "type-only",
			channel:    "crud>Product",
			descriptor: Descriptor{Kind: KindModel, Type: "Product"},
		},
		{
			name:       "resource",
			channel:    "crud>Product/p1",
			descriptor: Descriptor{Kind: KindModel, Type: "Product", ID: "p1"},
		},
		{
			name:       "field",
			channel:    "crud>Product/p1/name",
			descriptor: Descriptor{Kind: KindModel, Type: "Product", ID: "p1", Field: "name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, ok := Parse(tt.channel)
			if !ok {
				t.Fatalf("expected %s to parse", tt.channel)
			}
			if !reflect.DeepEqual(parsed, tt.descriptor) {
				t.Fatalf("unexpected descriptor: %#v", parsed)
			}
			if parsed.String() != tt.channel {
				t.Fatalf("round trip mismatch: %s", parsed.String())
			}
		})
	}
}

func TestParseRoundTripsViewChannels(t *testing.T) {
	original := View("Product", "byCat", map[string]any{"categoryId": "c1", "limit": float64(5)})
	parsed, ok := Parse(original)
	if !ok {
		t.Fatalf("expected view channel to parse")
	}
	if parsed.Kind != KindView || parsed.Type != "Product" || parsed.View != "byCat" {
		t.Fatalf("unexpected descriptor: %#v", parsed)
	}
	if parsed.ViewPrimaryParams["categoryId"] != "c1" {
		t.Fatalf("unexpected params: %#v", parsed.ViewPrimaryParams)
	}
	if parsed.String() != original {
		t.Fatalf("round trip mismatch: %s vs %s", parsed.String(), original)
	}
}

func TestParseViewChannelWithTrickyParamValues(t *testing.T) {
	original := View("Product", "search", map[string]any{"term": "a):b"})
	parsed, ok := Parse(original)
	if !ok {
		t.Fatalf("expected channel to parse: %s", original)
	}
	if parsed.ViewPrimaryParams["term"] != "a):b" {
		t.Fatalf("unexpected term: %#v", parsed.ViewPrimaryParams)
	}
	if parsed.String() != original {
		t.Fatalf("round trip mismatch: %s", parsed.String())
	}
}

func TestParseRejectsForeignChannels(t *testing.T) {
	for _, name := range []string{"", "chat>room/1", "crud>", "crud>bad(:Product"} {
		if _, ok := Parse(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}
