package types

// UnknownDistance marks a candidate whose backend did not report a distance.
// Scoring treats it as a neutral midpoint rather than a perfect match.
const UnknownDistance = -1

// Document is one indexed passage: scraped page chunk or structured
// knowledge entry. Embeddings use float32 exclusively to halve memory
// against float64.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]interface{}
}

// NewDocument creates a Document with a pre-allocated metadata map.
func NewDocument(id, text string, embedding []float32) *Document {
	return &Document{
		ID:        id,
		Text:      text,
		Embedding: embedding,
		Metadata:  make(map[string]interface{}),
	}
}

// Dimension returns the embedding dimensionality.
func (d *Document) Dimension() int {
	return len(d.Embedding)
}

// Clone creates a deep copy of the document.
func (d *Document) Clone() *Document {
	embedding := make([]float32, len(d.Embedding))
	copy(embedding, d.Embedding)

	metadata := make(map[string]interface{}, len(d.Metadata))
	for k, v := range d.Metadata {
		metadata[k] = v
	}

	return &Document{
		ID:        d.ID,
		Text:      d.Text,
		Embedding: embedding,
		Metadata:  metadata,
	}
}

// MetaString returns the metadata value for key as a string, or "" when
// absent or not a string. Structured knowledge metadata is stringly typed
// after JSON round-trips, so lookups funnel through here.
func (d *Document) MetaString(key string) string {
	if d.Metadata == nil {
		return ""
	}
	if s, ok := d.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Candidate is a retrieval hit: a document, the distance reported by the
// vector store (smaller = more similar), and the collection it came from.
// Distance is UnknownDistance when the backend returned none.
type Candidate struct {
	Document   Document
	Distance   float64
	Collection string
}

// Source identifies a web page an answer was grounded on. Structured
// knowledge entries carry no URL and therefore never become sources.
type Source struct {
	Title   string `json:"title"`
	Section string `json:"section"`
	URL     string `json:"url"`
}
