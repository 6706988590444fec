// Package dataset provides the query and document sets the pipeline runs on.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/mmsearch/internal/config"
	"github.com/thebtf/mmsearch/internal/media"
	"github.com/thebtf/mmsearch/pkg/models"
)

// ErrInvalidItem is returned for items that cannot be embedded or reported.
var ErrInvalidItem = errors.New("invalid dataset item")

// DemoImageURL is the public beach photo used by the relevant visual documents.
const DemoImageURL = "https://qianwen-res.oss-cn-beijing.aliyuncs.com/Qwen-VL/assets/demo.jpeg"

// Dataset is a set of queries searched against a shared document collection.
type Dataset struct {
	Queries   []models.Item `yaml:"queries"`
	Documents []models.Item `yaml:"documents"`
}

// DemoAssetDir holds the local distractor images of the demo set.
func DemoAssetDir() string {
	return filepath.Join(config.DataDir(), "demo")
}

// Demo returns the built-in set: one query, three relevant documents
// (text, visual, hybrid) and four distractors.
func Demo() *Dataset {
	assets := DemoAssetDir()
	return &Dataset{
		Queries: []models.Item{
			{Text: "A woman playing with her dog on a beach at sunset."},
		},
		Documents: []models.Item{
			{ID: "doc_text_match", Text: "A woman shares a joyful moment with her golden retriever on a sun-drenched beach at sunset, as the dog offers its paw in a heartwarming display of companionship and trust."},
			{ID: "doc_visual_match", Image: DemoImageURL},
			{ID: "doc_hybrid_match", Text: "Woman and dog on beach.", Image: DemoImageURL},

			{ID: "dist_text_1", Text: "A busy city intersection with lots of traffic and yellow taxis."},
			{ID: "dist_text_2", Text: "A deep forest with tall pine trees and a small cabin in the distance."},

			{ID: "dist_image_city", Image: filepath.Join(assets, "busy_city_intersection.png")},
			{ID: "dist_image_office", Image: filepath.Join(assets, "modern_office_space.png")},
		},
	}
}

// Load reads a YAML dataset file. Relative local image paths are resolved
// against the file's directory.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}

	base := filepath.Dir(path)
	resolveImages(ds.Queries, base)
	resolveImages(ds.Documents, base)

	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return &ds, nil
}

func resolveImages(items []models.Item, base string) {
	for i := range items {
		ref := items[i].Image
		if ref == "" || media.IsRemote(ref) {
			continue
		}
		local := media.LocalPath(ref)
		if !filepath.IsAbs(local) {
			items[i].Image = filepath.Join(base, local)
		}
	}
}

// Validate checks that the dataset can be run end to end.
func (d *Dataset) Validate() error {
	if len(d.Queries) == 0 {
		return fmt.Errorf("%w: no queries", ErrInvalidItem)
	}
	if len(d.Documents) == 0 {
		return fmt.Errorf("%w: no documents", ErrInvalidItem)
	}

	for i, q := range d.Queries {
		if q.IsEmpty() {
			return fmt.Errorf("%w: query %d has neither text nor image", ErrInvalidItem, i+1)
		}
	}

	seen := make(map[string]int, len(d.Documents))
	for i, doc := range d.Documents {
		if doc.ID == "" {
			return fmt.Errorf("%w: document %d has no id", ErrInvalidItem, i+1)
		}
		if prev, dup := seen[doc.ID]; dup {
			return fmt.Errorf("%w: documents %d and %d share id %q", ErrInvalidItem, prev+1, i+1, doc.ID)
		}
		seen[doc.ID] = i
		if doc.IsEmpty() {
			return fmt.Errorf("%w: document %q has neither text nor image", ErrInvalidItem, doc.ID)
		}
	}
	return nil
}
