package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/api"
	"github.com/Trustflow-Network-Labs/compute-client/internal/services"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

var deleteLocal bool

// jobUploader builds an uploader from the job environment and returns it with the folder that
// receives delivery records
func jobUploader() (*services.Uploader, string) {
	jobID := os.Getenv(types.EnvJobID)
	jobKey := os.Getenv(types.EnvJobPrivateKey)
	if jobID == "" || jobKey == "" {
		exitOnError(fmt.Errorf("%s and %s must be set", types.EnvJobID, types.EnvJobPrivateKey), "Not running inside a job", "upload")
	}

	recordsDir := ""
	if wd := os.Getenv(types.EnvJobWorkingDir); wd != "" {
		recordsDir = utils.BuildInternalPaths(wd).Outputs
	}

	client := api.NewClient(config, logger)
	return services.NewUploader(client, jobID, jobKey, config, logger), recordsDir
}

var uploadOutputCmd = &cobra.Command{
	Use:         "upload-output NAME FILE",
	Short:       "Upload FILE as the declared output NAME of the running job",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{annotationInJob: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		uploader, recordsDir := jobUploader()
		output := services.NewOutputFile(args[0], false, uploader, recordsDir)
		exitOnError(output.Upload(context.Background(), args[1], deleteLocal), "Upload failed", "upload")
		fmt.Printf("Uploaded output %s (%d bytes)\n", output.Name, *output.Size)
	},
}

var setOutputURLCmd = &cobra.Command{
	Use:         "set-output-url NAME URL",
	Short:       "Record URL for an output whose location is only known at runtime",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{annotationInJob: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		uploader, recordsDir := jobUploader()
		output := services.NewOutputFile(args[0], true, uploader, recordsDir)
		exitOnError(output.SetURL(context.Background(), args[1]), "Setting output url failed", "upload")
		fmt.Printf("Set url of output %s\n", output.Name)
	},
}

var uploadOtherOutputCmd = &cobra.Command{
	Use:         "upload-other-output REMOTE_NAME FILE",
	Short:       "Upload FILE as an additional, undeclared output of the running job",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{annotationInJob: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		uploader, _ := jobUploader()
		url, err := uploader.UploadAdditionalOutput(context.Background(), args[0], args[1])
		exitOnError(err, "Upload failed", "upload")
		fmt.Println(url)
	},
}

func init() {
	uploadOutputCmd.Flags().BoolVar(&deleteLocal, "delete-local", false, "remove the local file once it is uploaded")
	rootCmd.AddCommand(uploadOutputCmd)
	rootCmd.AddCommand(setOutputURLCmd)
	rootCmd.AddCommand(uploadOtherOutputCmd)
}
