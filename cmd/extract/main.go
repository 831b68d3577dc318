package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aktagon/article-archiver/internal/archive"
	"github.com/aktagon/article-archiver/internal/content"
	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/media"
)

func main() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: extract <input.html> <output-directory> [seq]")
	}

	inputPath := os.Args[1]
	outputDir := os.Args[2]
	seq := 0
	if len(os.Args) > 3 {
		n, err := strconv.Atoi(os.Args[3])
		if err != nil || n < 0 {
			log.Fatalf("Invalid sequence number %q", os.Args[3])
		}
		seq = n
	}

	raw, err := os.ReadFile(inputPath)
	if err != nil {
		log.Fatalf("Reading %s: %v", inputPath, err)
	}

	zl, err := logger.New(logger.Config{Level: "info", Development: true})
	if err != nil {
		log.Fatalf("Creating logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	extractor := content.NewExtractor(content.WeChat(), content.WithLogger(zl))
	images := media.NewDownloader(media.DefaultConfig(), zl)
	pipeline := archive.NewPipeline(outputDir, extractor, images, zl)

	res, err := pipeline.Process(context.Background(), seq, "", string(raw))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Title: %s\n", res.Title)
	fmt.Printf("Author: %s\n", res.Author)
	fmt.Printf("Published: %s\n", res.PublishDate)
	for _, name := range []string{archive.HTMLFile, archive.MarkdownFile} {
		path := filepath.Join(res.Dir, name)
		if info, err := os.Stat(path); err == nil {
			fmt.Printf("%s: %s (%d bytes)\n", name, path, info.Size())
		}
	}
	if s := res.Images; s != nil {
		fmt.Printf("Images: %d/%d OK, %d failed, %d skipped, %d bytes total\n", s.OK, s.Total, s.Failed, s.Skipped, s.Bytes)
	}
	for _, m := range res.Media {
		fmt.Printf("Embedded %s: %s\n", m.Kind, m.Title)
	}
	for _, e := range res.Errors {
		fmt.Printf("Error: %s\n", e)
	}
}
