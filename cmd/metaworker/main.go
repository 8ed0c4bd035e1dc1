package main

import (
	"github.com/imgforge/imgforge/internal/media"
	"github.com/imgforge/imgforge/internal/store"
	"github.com/imgforge/imgforge/internal/worker"
)

func main() {
	worker.Main(store.StageMetadata, func(path string) (any, error) {
		return media.ExtractMetadata(path)
	})
}
