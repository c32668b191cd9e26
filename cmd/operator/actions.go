package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/config"
)

var (
	actionByFlag     string
	rejectReasonFlag string
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Approve or reject proposed mutating actions",
}

var actionsApproveCmd = &cobra.Command{
	Use:   "approve <proposal_id>",
	Short: "Approve a validated proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsApprove,
}

var actionsRejectCmd = &cobra.Command{
	Use:   "reject <proposal_id>",
	Short: "Reject a validated proposal (cancels it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsReject,
}

func init() {
	actionsApproveCmd.Flags().StringVar(&actionByFlag, "by", "", "approver identity (default $USER)")
	actionsRejectCmd.Flags().StringVar(&actionByFlag, "by", "", "rejecter identity (default $USER)")
	actionsRejectCmd.Flags().StringVar(&rejectReasonFlag, "reason", "", "why the action is rejected (required)")
	actionsCmd.AddCommand(actionsApproveCmd, actionsRejectCmd)
}

func actor() string {
	if actionByFlag != "" {
		return actionByFlag
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

func runActionsApprove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ApproveProposal(cmd.Context(), id, actor()); err != nil {
		return err
	}
	proposal, err := st.GetProposal(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(proposal)
	}
	fmt.Printf("proposal %d approved: %s %s\n", id, proposal.ActionName, formatDetails(proposal.Params))
	return nil
}

func runActionsReject(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if rejectReasonFlag == "" {
		return fmt.Errorf("%w: --reason is required", config.ErrFatal)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RejectProposal(cmd.Context(), id, actor(), rejectReasonFlag); err != nil {
		return err
	}
	proposal, err := st.GetProposal(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(proposal)
	}
	fmt.Printf("proposal %d rejected: %s\n", id, rejectReasonFlag)
	return nil
}
