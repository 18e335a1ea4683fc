package main

import (
	"encoding/json"
	"fmt"

	"model-orchestrator/core/packager"
	"model-orchestrator/core/spec"
	"model-orchestrator/core/training"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
)

func newMigrateCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rt)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("migrations applied")
			return nil
		},
	}
}

func newSubmitCmd(rt *runtime) *cobra.Command {
	var (
		manifestPath string
		owner        string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit photos for training from a YAML manifest",
		Example: `  model-orchestrator submit -f alex21.yaml --owner u1

  # alex21.yaml
  submission:
    model_name: alex21
    email: alex@example.com
    images:
      - photos/01.heic
      - photos/02.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manifest, err := spec.LoadSubmissionSpec(manifestPath)
			if err != nil {
				return err
			}
			if owner != "" {
				manifest.OwnerID = owner
			}
			if manifest.OwnerID == "" {
				return errors.New("an owner is required, set --owner or submission.owner")
			}

			a, err := newApp(ctx, rt)
			if err != nil {
				return err
			}
			defer a.Close()

			submitter, err := a.submitter(ctx)
			if err != nil {
				return err
			}

			result, err := submitter.SubmitImages(ctx, training.SubmitRequest{
				OwnerID:      manifest.OwnerID,
				Contact:      manifest.Contact,
				ModelName:    manifest.ModelName,
				SubmissionID: manifest.SubmissionID,
			}, packager.FileAssets(manifest.Images))
			if err != nil {
				var partial *training.PartialError
				switch {
				case errors.As(err, &partial) && partial.Resumable:
					fmt.Fprintf(cmd.ErrOrStderr(), "training %s started; rerun with submission_id %s to record it\n",
						partial.TrainingID, partial.SubmissionID)
				case errors.As(err, &partial):
					fmt.Fprintf(cmd.ErrOrStderr(), "training %s started but was not recorded; do not resubmit\n",
						partial.TrainingID)
				}
				return err
			}

			return printJSON(cmd, map[string]string{
				"trainingId":   result.TrainingID,
				"trainingUrl":  result.TrainingURL,
				"archiveUrl":   result.ArchiveURL,
				"submissionId": result.SubmissionID,
			})
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Path to the submission manifest")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id (overrides the manifest)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newModelsCmd(rt *runtime) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List an owner's models with live training status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rt)
			if err != nil {
				return err
			}
			defer a.Close()

			views, err := a.reconciler.ListModelsWithStatus(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"models": views})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner id")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "failed to write output")
}
