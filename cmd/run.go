package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vanlab/van/api"
	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/model/imageproc"
	"github.com/vanlab/van/sample"
)

func readImages(paths []string) ([][]byte, error) {
	images := make([][]byte, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		images[i] = data
	}
	return images, nil
}

func printPredictions(w io.Writer, paths []string, preds [][]api.Prediction) {
	var data [][]string
	for i, p := range preds {
		for rank, pred := range p {
			data = append(data, []string{
				filepath.Base(paths[i]),
				strconv.Itoa(rank + 1),
				strconv.Itoa(pred.Index),
				fmt.Sprintf("%.2f%%", pred.Score*100),
			})
		}
	}

	renderTable(w, []string{"IMAGE", "RANK", "CLASS", "SCORE"}, data)
}

func runHandler(cmd *cobra.Command, args []string) error {
	k, err := cmd.Flags().GetInt("top-k")
	if err != nil {
		return err
	}
	if k <= 0 {
		return fmt.Errorf("invalid --top-k %d", k)
	}

	m, err := buildModel(cmd, args[0])
	if err != nil {
		return err
	}

	paths := args[1:]
	data, err := readImages(paths)
	if err != nil {
		return err
	}

	images := make([]*ml.Tensor, len(data))
	for i := range data {
		if images[i], err = imageproc.Preprocess(data[i], m.InputSize()); err != nil {
			return fmt.Errorf("%s: %w", paths[i], err)
		}
	}

	batch, err := imageproc.Batch(images...)
	if err != nil {
		return err
	}

	ctx := ml.NewContext()
	done := spin(cmd, "classifying")
	logits, err := m.Forward(ctx, batch)
	done()
	if err != nil {
		return err
	}

	preds, err := sample.Predictions(ctx, logits, k)
	if err != nil {
		return err
	}

	printPredictions(cmd.OutOrStdout(), paths, preds)
	return nil
}

func classifyHandler(cmd *cobra.Command, args []string) error {
	k, err := cmd.Flags().GetInt("top-k")
	if err != nil {
		return err
	}

	paths := args[1:]
	data, err := readImages(paths)
	if err != nil {
		return err
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req := api.ClassifyRequest{Model: args[0], TopK: k}
	for _, d := range data {
		req.Images = append(req.Images, d)
	}

	done := spin(cmd, "classifying")
	resp, err := client.Classify(cmd.Context(), &req)
	done()
	if err != nil {
		return err
	}

	printPredictions(cmd.OutOrStdout(), paths, resp.Predictions)
	return nil
}
