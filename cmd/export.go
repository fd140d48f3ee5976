package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vanlab/van/format"
	"github.com/vanlab/van/fs/safetensors"
	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/model"
	"github.com/vanlab/van/version"
)

func exportHandler(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]

	dtype, err := cmd.Flags().GetString("dtype")
	if err != nil {
		return err
	}

	m, err := buildModel(cmd, name)
	if err != nil {
		return err
	}

	tensors := make(map[string]*ml.Tensor)
	for _, p := range m.Params() {
		tensors[p.Name] = p.Tensor
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	done := spin(cmd, "writing "+path)
	metadata := map[string]string{"model": name, "version": version.Version}
	err = safetensors.Write(f, tensors, safetensors.DType(strings.ToUpper(dtype)), metadata)
	done()
	if err != nil {
		os.Remove(path)
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors, %s parameters, %s to %s\n",
		len(tensors), format.Parameters(model.Count(m)), format.HumanBytes(fi.Size()), path)
	return nil
}
