package main

import (
	"github.com/imgforge/imgforge/internal/media"
	"github.com/imgforge/imgforge/internal/store"
	"github.com/imgforge/imgforge/internal/worker"
)

func main() {
	worker.Main(store.StageTags, func(path string) (any, error) {
		tags, err := media.ClassifyTags(path)
		if err != nil {
			return nil, err
		}
		if tags == nil {
			tags = []string{}
		}
		return tags, nil
	})
}
