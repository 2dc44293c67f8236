package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidlbench/tidlbench/cmd/tidlbench/format"
	"github.com/tidlbench/tidlbench/internal/client"
)

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Measure model latency on a remote server",
	Long: `Measure model latency. Point at a compilation server to measure on
the NPU (compile-then-forward), or at a device server to measure a bare
model on its CPU.`,
	RunE: runMeasure,
}

var (
	measureModelPath string
	measureHost      string
	measurePort      int
)

func init() {
	measureCmd.Flags().StringVarP(&measureModelPath, "onnx-model", "m", "", "Path to ONNX model (required)")
	measureCmd.Flags().StringVar(&measureHost, "host", "0.0.0.0", "Host name or IP address of the server")
	measureCmd.Flags().IntVar(&measurePort, "port", 15003, "Port of the server")
	_ = measureCmd.MarkFlagRequired("onnx-model")
	RootCmd.AddCommand(measureCmd)
}

func runMeasure(cmd *cobra.Command, args []string) error {
	model, err := os.ReadFile(measureModelPath)
	if err != nil {
		return err
	}

	c := client.New(fmt.Sprintf("http://%s:%d", measureHost, measurePort))

	fmt.Println("Start latency measurement, please wait... (Average measurement takes about 5 minutes)")
	report, err := c.Measure(context.Background(), model)
	if err != nil {
		return err
	}
	return format.Report(format.Parse(outputFormat), report)
}
