package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"

	"vidpano/internal/config"
	"vidpano/internal/logging"
	"vidpano/internal/metrics"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
	"vidpano/internal/synth"
)

func main() {
	fmt.Println("Testing the stitcher on a synthetic camera pass")

	store, err := storage.New("test_integration.db")
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Sampling.SaveFrames = false
	logger := logging.New("info", "text")
	collector := metrics.NewCollector()
	s := stitch.New(logger, collector)

	const (
		sceneW, sceneH = 1200, 400
		frameW         = 480
		step           = 180
		frames         = 5
	)
	scene := synth.Scene(sceneW, sceneH, 7)
	pass := synth.Pass(scene, frames, frameW, sceneH, step)
	fmt.Printf("Scene %dx%d, %d frames of %d px stepping %d px\n", sceneW, sceneH, frames, frameW, step)

	runID := fmt.Sprintf("smoke-%s", time.Now().UTC().Format("20060102T150405"))
	_ = store.RecordRunQueued(storage.RunRecord{ID: runID, Status: "queued", InputPath: "synthetic", OutputPath: "smoke_pano.png"})
	_ = store.RecordRunStart(runID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pano, res, err := s.Stitch(ctx, pass, *cfg)
	if err != nil {
		_ = store.RecordRunResult(runID, "failed", res.Meta(), &storage.RunFailure{Kind: string(stitch.KindOf(err)), Message: err.Error()})
		log.Fatal("Stitch failed: ", err)
	}

	fmt.Printf("Reference frame: %d\n", res.Reference)
	fmt.Printf("Frames used: %v, dropped: %v\n", res.Used, res.Dropped)
	fmt.Printf("Accepted pairs: %d\n", len(res.Edges))
	for _, e := range res.Edges {
		fmt.Printf("   %d -> %d: %d/%d inliers, rmse %.2f\n", e.From, e.To, e.Inliers, e.Correspondences, e.RMSE)
	}
	fmt.Printf("Panorama: %dx%d (scene %dx%d), alignment rmse %.3f\n", res.Width, res.Height, sceneW, sceneH, res.RMSE)
	for _, st := range res.Stages {
		fmt.Printf("   %-10s %s\n", st.Stage, st.Duration.Round(time.Millisecond))
	}

	if err := imaging.Save(pano, "smoke_pano.png"); err != nil {
		log.Fatal("Failed to save panorama:", err)
	}
	res.Output = "smoke_pano.png"
	res.Bytes = int64(len(pano.Pix))
	_ = store.RecordRunResult(runID, "completed", res.Meta(), nil)
	fmt.Printf("Wrote smoke_pano.png (%s of pixels)\n", humanize.Bytes(uint64(res.Bytes)))

	if err := collector.WriteTextfile("test_integration.prom"); err != nil {
		log.Fatal("Failed to write metrics:", err)
	}
	fmt.Println("Test completed.")
}
