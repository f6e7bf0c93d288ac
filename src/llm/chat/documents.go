package chat

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cognitive_lattice/src/llm/nlu"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

var documentExts = []string{".txt", ".md", ".markdown", ".json", ".yaml", ".yml", ".csv"}

// DirRetriever serves text documents from a directory, ranked by how many
// query words they contain.
type DirRetriever struct {
	docs []*schema.Document
}

var _ retriever.Retriever = (*DirRetriever)(nil)

// NewDirRetriever loads every text document under dir
func NewDirRetriever(dir string) (*DirRetriever, error) {
	r := &DirRetriever{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(documentExts, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		r.docs = append(r.docs, &schema.Document{ID: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents from %s: %w", dir, err)
	}
	return r, nil
}

func (r *DirRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := 5
	o := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	if o.TopK != nil {
		topK = *o.TopK
	}

	terms := strings.Fields(nlu.Normalize(query))
	type scored struct {
		doc   *schema.Document
		score int
	}
	var hits []scored
	for _, doc := range r.docs {
		text := " " + nlu.Normalize(doc.Content) + " "
		score := 0
		for _, term := range terms {
			if len(term) > 2 {
				score += strings.Count(text, " "+term+" ")
			}
		}
		if score > 0 {
			hits = append(hits, scored{doc, score})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int { return b.score - a.score })

	out := make([]*schema.Document, 0, min(topK, len(hits)))
	for i := 0; i < len(hits) && i < topK; i++ {
		out = append(out, hits[i].doc)
	}
	return out, nil
}
