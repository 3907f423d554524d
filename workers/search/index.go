package search

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task has not been indexed
var ErrTaskNotFound = errors.New("search: task not found")

// TaskDocument is the indexed view of a task
type TaskDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Index is a full text index of tasks
type Index struct {
	index bleve.Index
}

// OpenIndex opens the index at path, creating it when missing
func OpenIndex(path string) (*Index, error) {
	var index bleve.Index
	var err error

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		index, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}
	return &Index{index: index}, nil
}

// NewMemIndex creates an index kept in memory only
func NewMemIndex() (*Index, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Index{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	taskMapping := bleve.NewDocumentMapping()

	titleMapping := bleve.NewTextFieldMapping()
	titleMapping.Analyzer = standard.Name

	taskMapping.AddFieldMappingsAt("id", bleve.NewKeywordFieldMapping())
	taskMapping.AddFieldMappingsAt("title", titleMapping)
	taskMapping.AddFieldMappingsAt("completed", bleve.NewBooleanFieldMapping())
	taskMapping.AddFieldMappingsAt("updated_at", bleve.NewDateTimeFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = taskMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Put adds or replaces a task
func (i *Index) Put(doc TaskDocument) error {
	if err := i.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("failed to index task %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns an indexed task
func (i *Index) Get(id uuid.UUID) (TaskDocument, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id.String()}))
	req.Fields = []string{"title", "completed", "updated_at"}

	res, err := i.index.Search(req)
	if err != nil {
		return TaskDocument{}, fmt.Errorf("failed to look up task %s: %w", id, err)
	}
	if len(res.Hits) == 0 {
		return TaskDocument{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return documentFromFields(res.Hits[0].ID, res.Hits[0].Fields), nil
}

// Delete removes a task. Deleting a missing task is not an error.
func (i *Index) Delete(id uuid.UUID) error {
	if err := i.index.Delete(id.String()); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// Search returns the tasks whose title matches text, best match first
func (i *Index) Search(text string, limit int) ([]TaskDocument, error) {
	query := bleve.NewMatchQuery(text)
	query.SetField("title")

	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Fields = []string{"title", "completed", "updated_at"}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}

	docs := make([]TaskDocument, 0, len(res.Hits))
	for _, hit := range res.Hits {
		docs = append(docs, documentFromFields(hit.ID, hit.Fields))
	}
	return docs, nil
}

// Count returns the number of indexed tasks
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

func documentFromFields(id string, fields map[string]interface{}) TaskDocument {
	doc := TaskDocument{ID: id}
	if title, ok := fields["title"].(string); ok {
		doc.Title = title
	}
	if completed, ok := fields["completed"].(bool); ok {
		doc.Completed = completed
	}
	if updated, ok := fields["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			doc.UpdatedAt = t
		}
	}
	return doc
}
