package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
}

var tenantsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant",
	RunE:  runTenantsCreate,
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE:  runTenantsList,
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects and their provider links",
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project linked to a provider project",
	RunE:  runProjectsCreate,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectsList,
}

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "Manage alert audiences",
}

var teamsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a team",
	RunE:  runTeamsCreate,
}

var teamsAddMemberCmd = &cobra.Command{
	Use:   "add-member <team-id>",
	Short: "Add an email recipient to a team",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamsAddMember,
}

var teamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	RunE:  runTeamsList,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage spend alert rules",
}

var rulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an alert rule",
	RunE:  runRulesCreate,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE:  runRulesList,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesDelete,
}

func init() {
	rootCmd.AddCommand(tenantsCmd, projectsCmd, teamsCmd, rulesCmd)
	tenantsCmd.AddCommand(tenantsCreateCmd, tenantsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd, projectsListCmd)
	teamsCmd.AddCommand(teamsCreateCmd, teamsAddMemberCmd, teamsListCmd)
	rulesCmd.AddCommand(rulesCreateCmd, rulesListCmd, rulesDeleteCmd)

	tenantsCreateCmd.Flags().StringP("name", "n", "", "Tenant name")
	tenantsCreateCmd.Flags().String("timezone", "UTC", "IANA time zone for alert windows")
	_ = tenantsCreateCmd.MarkFlagRequired("name")

	projectsCreateCmd.Flags().String("tenant", "", "Tenant ID")
	projectsCreateCmd.Flags().StringP("name", "n", "", "Project name")
	projectsCreateCmd.Flags().StringP("provider", "p", "", "Provider (openai, anthropic)")
	projectsCreateCmd.Flags().String("org", "", "Provider organization ID")
	projectsCreateCmd.Flags().String("provider-project", "", "Provider-side project or workspace ID")
	projectsCreateCmd.Flags().String("team", "", "Team that receives alerts")
	for _, f := range []string{"tenant", "name", "provider", "org"} {
		_ = projectsCreateCmd.MarkFlagRequired(f)
	}
	projectsListCmd.Flags().String("tenant", "", "Filter by tenant ID")

	teamsCreateCmd.Flags().String("tenant", "", "Tenant ID")
	teamsCreateCmd.Flags().StringP("name", "n", "", "Team name")
	teamsCreateCmd.Flags().String("webhook", "", "Chat webhook URL")
	_ = teamsCreateCmd.MarkFlagRequired("tenant")
	_ = teamsCreateCmd.MarkFlagRequired("name")
	teamsAddMemberCmd.Flags().StringP("name", "n", "", "Member name")
	teamsAddMemberCmd.Flags().String("email", "", "Member email")
	_ = teamsAddMemberCmd.MarkFlagRequired("email")
	teamsListCmd.Flags().String("tenant", "", "Filter by tenant ID")

	rulesCreateCmd.Flags().String("project", "", "Project ID")
	rulesCreateCmd.Flags().StringP("window", "w", "daily", "Window (daily, weekly)")
	rulesCreateCmd.Flags().Float64P("limit", "l", 0, "Spend limit in USD")
	_ = rulesCreateCmd.MarkFlagRequired("project")
	_ = rulesCreateCmd.MarkFlagRequired("limit")
}

func runTenantsCreate(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	tz, _ := cmd.Flags().GetString("timezone")
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	return withStore(cmd, func(s storeCtx) error {
		t := &model.Tenant{Name: name, Timezone: tz}
		if err := s.store.CreateTenant(s.ctx, t); err != nil {
			return err
		}
		fmt.Printf("Tenant created: %s (%s, %s)\n", t.ID, t.Name, t.Timezone)
		return nil
	})
}

func runTenantsList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(s storeCtx) error {
		tenants, err := s.store.ListTenants(s.ctx)
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			fmt.Println("No tenants. Use 'lsm tenants create' to add one.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tTIMEZONE\tCREATED\n")
		for _, t := range tenants {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Timezone, t.CreatedAt.Format(time.DateOnly))
		}
		return w.Flush()
	})
}

func runProjectsCreate(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	provider, _ := cmd.Flags().GetString("provider")
	org, _ := cmd.Flags().GetString("org")
	providerProject, _ := cmd.Flags().GetString("provider-project")
	team, _ := cmd.Flags().GetString("team")

	return withStore(cmd, func(s storeCtx) error {
		if _, err := s.store.GetTenant(s.ctx, tenant); err != nil {
			return err
		}
		if team != "" {
			if _, err := s.store.GetTeam(s.ctx, team); err != nil {
				return err
			}
		}
		p := &model.Project{TenantID: tenant, TeamID: team, Name: name, Provider: provider, OrganizationID: org}
		if providerProject != "" {
			p.ProviderProjectID = &providerProject
		}
		if err := s.store.CreateProject(s.ctx, p); err != nil {
			return err
		}
		fmt.Printf("Project created: %s (%s)\n", p.ID, p.Name)
		if p.ProviderProjectID == nil {
			fmt.Println("No provider project linked; its costs will not be collected.")
		}
		return nil
	})
}

func runProjectsList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	return withStore(cmd, func(s storeCtx) error {
		projects, err := s.store.ListProjects(s.ctx, tenant)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tPROVIDER\tORGANIZATION\tPROVIDER PROJECT\tTEAM\n")
		for _, p := range projects {
			ppid := "-"
			if p.ProviderProjectID != nil {
				ppid = *p.ProviderProjectID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Provider, p.OrganizationID, ppid, orDash(p.TeamID))
		}
		return w.Flush()
	})
}

func runTeamsCreate(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	webhook, _ := cmd.Flags().GetString("webhook")

	return withStore(cmd, func(s storeCtx) error {
		t := &model.Team{TenantID: tenant, Name: name, WebhookURL: webhook}
		if err := s.store.CreateTeam(s.ctx, t); err != nil {
			return err
		}
		fmt.Printf("Team created: %s (%s)\n", t.ID, t.Name)
		return nil
	})
}

func runTeamsAddMember(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")

	return withStore(cmd, func(s storeCtx) error {
		if _, err := s.store.GetTeam(s.ctx, args[0]); err != nil {
			return err
		}
		if err := s.store.AddTeamMember(s.ctx, model.TeamMember{TeamID: args[0], Name: name, Email: email}); err != nil {
			return err
		}
		fmt.Printf("Added %s to team %s\n", email, args[0])
		return nil
	})
}

func runTeamsList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	return withStore(cmd, func(s storeCtx) error {
		teams, err := s.store.ListTeams(s.ctx, tenant)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tWEBHOOK\tMEMBERS\n")
		for _, t := range teams {
			full, err := s.store.GetTeam(s.ctx, t.ID)
			if err != nil {
				return err
			}
			webhook := "-"
			if t.WebhookURL != "" {
				webhook = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.ID, t.Name, webhook, len(full.Members))
		}
		return w.Flush()
	})
}

func runRulesCreate(cmd *cobra.Command, _ []string) error {
	project, _ := cmd.Flags().GetString("project")
	window, _ := cmd.Flags().GetString("window")
	limit, _ := cmd.Flags().GetFloat64("limit")

	return withStore(cmd, func(s storeCtx) error {
		if _, err := s.store.GetProject(s.ctx, project); err != nil {
			return err
		}
		r := &model.AlertRule{ProjectID: project, Window: model.WindowKind(window), LimitValue: limit}
		if err := s.store.CreateRule(s.ctx, r); err != nil {
			return err
		}
		fmt.Printf("Rule created: %s (%s limit $%.2f)\n", r.ID, r.Window, r.LimitValue)
		return nil
	})
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(s storeCtx) error {
		rules, err := s.store.ListRules(s.ctx)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No alert rules. Use 'lsm rules create' to add one.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tPROJECT\tWINDOW\tLIMIT\tLAST FIRED\n")
		for _, r := range rules {
			fired := "-"
			if r.LastFiredAt != nil {
				fired = r.LastFiredAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%s\n", r.ID, r.ProjectID, r.Window, r.LimitValue, fired)
		}
		return w.Flush()
	})
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s storeCtx) error {
		if err := s.store.DeleteRule(s.ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Rule %s deleted\n", args[0])
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
