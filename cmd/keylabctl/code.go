package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keylab/internal/completion"
	"keylab/internal/upload"
)

func (a *app) codeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Issue, record and check survey completion codes",
	}
	cmd.AddCommand(a.codeGenerateCmd(), a.codeSubmitCmd(), a.codeValidateCmd())
	return cmd
}

func (a *app) codeGenerateCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a survey code locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(user)
			if err != nil {
				return err
			}
			code, err := completion.Generate(userID, a.now())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, code)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "participant id")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) codeSubmitCmd() *cobra.Command {
	var user, code, study string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a completion on keylabd",
		Long:  "Submit records a participant's completion. Without --code keylabd issues one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(user)
			if err != nil {
				return err
			}
			return a.runCodeSubmit(cmd.Context(), upload.CompletionRequest{
				UserID:       userID,
				SurveyCode:   completion.Normalize(code),
				StudyVersion: study,
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&user, "user", "", "participant id")
	fl.StringVar(&code, "code", "", "survey code to record")
	fl.StringVar(&study, "study", "", "study version (default: keylabd's)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) runCodeSubmit(ctx context.Context, req upload.CompletionRequest) error {
	if req.SurveyCode != "" && !completion.MatchesUser(req.SurveyCode, req.UserID) {
		return fmt.Errorf("code %s was not issued for user %s", req.SurveyCode, req.UserID)
	}
	c, err := a.client()
	if err != nil {
		return err
	}
	res, err := c.StoreCompletion(ctx, req)
	if err != nil {
		return err
	}
	printOK(a.out, "%s", res.Message)
	printField(a.out, "survey code", res.SurveyCode)
	printField(a.out, "record", res.URL)
	return nil
}

func (a *app) codeValidateCmd() *cobra.Command {
	var offline bool
	var user string
	cmd := &cobra.Command{
		Use:   "validate <code>",
		Short: "Check a survey code",
		Long: `Validate checks the code's format locally, then asks keylabd whether a
completion was recorded for it. With --offline only the format and, given
--user, the user hash are checked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCodeValidate(cmd.Context(), args[0], user, offline)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "check the format without contacting keylabd")
	cmd.Flags().StringVar(&user, "user", "", "expected participant id")
	return cmd
}

func (a *app) runCodeValidate(ctx context.Context, raw, user string, offline bool) error {
	code := completion.Normalize(raw)
	if !completion.ValidCode(code) {
		return fmt.Errorf("invalid code format: %s", raw)
	}
	if user != "" {
		userID, err := parseUser(user)
		if err != nil {
			return err
		}
		if !completion.MatchesUser(code, userID) {
			return fmt.Errorf("code %s was not issued for user %s", code, userID)
		}
	}
	if offline {
		printOK(a.out, "%s is well formed", code)
		return nil
	}

	c, err := a.client()
	if err != nil {
		return err
	}
	status, err := c.ValidateCode(ctx, code)
	if err != nil {
		return err
	}
	if !status.Valid {
		return fmt.Errorf("%s: %s", code, status.Message)
	}
	printOK(a.out, "%s: %s", code, status.Message)
	printField(a.out, "user", status.UserID)
	if status.CompletedAt != nil {
		printField(a.out, "completed", status.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func parseUser(s string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(s))
	if !completion.ValidUserID(id) {
		return "", fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
