package main

import (
	"github.com/imgforge/imgforge/internal/media"
	"github.com/imgforge/imgforge/internal/store"
	"github.com/imgforge/imgforge/internal/worker"
)

func main() {
	worker.Main(store.StageFaces, func(path string) (any, error) {
		faces, err := media.DetectFaces(path)
		if err != nil {
			return nil, err
		}
		if faces == nil {
			faces = []media.Face{}
		}
		return faces, nil
	})
}
