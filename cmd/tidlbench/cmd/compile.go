package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidlbench/tidlbench/internal/client"
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a model on a remote compilation server and save the artifact archive",
	Long: `Send an ONNX model plus a calibration data zip to the compilation
server and save the returned artifact archive.

Compilation takes about 3-10 minutes.`,
	RunE: runCompile,
}

var (
	compileModelPath   string
	compileCalibPath   string
	compileOutputPath  string
	compileHost        string
	compilePort        int
	compileTimeoutSecs int
)

func init() {
	compileCmd.Flags().StringVarP(&compileModelPath, "onnx-model", "m", "", "Path to ONNX model (required)")
	compileCmd.Flags().StringVarP(&compileCalibPath, "calibration-data-zip", "c", "", "Path to the calibration data zip archive (required)")
	compileCmd.Flags().StringVarP(&compileOutputPath, "output-model", "O", "", "Path to the output zip (required)")
	compileCmd.Flags().StringVar(&compileHost, "host", "0.0.0.0", "Host name or IP address of the compilation server")
	compileCmd.Flags().IntVar(&compilePort, "port", 15003, "Port of the compilation server")
	compileCmd.Flags().IntVar(&compileTimeoutSecs, "timeout", 2*60*60, "Compilation time limit in seconds")
	_ = compileCmd.MarkFlagRequired("onnx-model")
	_ = compileCmd.MarkFlagRequired("calibration-data-zip")
	_ = compileCmd.MarkFlagRequired("output-model")
	RootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	model, err := os.ReadFile(compileModelPath)
	if err != nil {
		return err
	}
	calibrationData, err := os.ReadFile(compileCalibPath)
	if err != nil {
		return err
	}

	c := client.NewWithHTTPClient(
		fmt.Sprintf("http://%s:%d", compileHost, compilePort),
		&http.Client{Timeout: time.Duration(compileTimeoutSecs) * time.Second},
	)

	fmt.Println("Start compilation, please wait... (Compilation takes about 3-10 minutes)")
	archive, err := c.Compile(context.Background(), model, calibrationData)
	if err != nil {
		return err
	}

	if err := os.WriteFile(compileOutputPath, archive, 0o644); err != nil {
		return err
	}
	fmt.Println("Compiled model saved")
	return nil
}
