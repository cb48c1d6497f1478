package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/propstream/propstream/internal/admission"
	"github.com/propstream/propstream/internal/config"
)

func runPolicies(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyLogConfig(cfg.Log)

	ps := cfg.Admission.PolicySet()

	fmt.Printf("Endpoint policies\n")
	fmt.Printf("─────────────────\n")
	printPolicyTable(ps.Endpoints())

	fmt.Printf("\nTier policies\n")
	fmt.Printf("─────────────\n")
	printPolicyTable(ps.Tiers())

	fmt.Printf("\nPer-IP policy\n")
	fmt.Printf("─────────────\n")
	ip := ps.IPPolicy()
	fmt.Printf("%-28s %s\n", "(all client addresses)", formatPolicy(ip))

	return nil
}

func printPolicyTable(table map[string]admission.Policy) {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("%-28s %s\n", k, formatPolicy(table[k]))
	}
}

func formatPolicy(p admission.Policy) string {
	s := fmt.Sprintf("%d req / %ds  %s", p.Requests, p.WindowSeconds, p.Strategy)
	if p.Burst > 0 {
		s += fmt.Sprintf("  burst=%d", p.Burst)
	}
	return s
}
