package policy_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/policy"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func ExampleGuard_EvaluatePlan() {
	guard, err := policy.NewGuard(zerolog.Nop(), policy.GuardConfig{Protected: []string{"eth0"}})
	if err != nil {
		fmt.Println(err)
		return
	}

	current, _ := state.Decode([]byte(`
interfaces:
  - name: eth0
    type: ethernet
    state: up
`))
	desired, _ := state.Decode([]byte(`
interfaces:
  - name: eth0
    type: ethernet
    state: down
`))

	_, _, plan, err := engine.Prepare(current, desired)
	if err != nil {
		fmt.Println(err)
		return
	}

	result, err := guard.EvaluatePlan(context.Background(), plan, current)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println("allowed:", result.Allowed)
	for _, v := range result.Violations {
		fmt.Printf("%s: %s\n", v.Policy, v.Message)
	}
	// Output:
	// allowed: false
	// protected-interfaces: plan must not bring protected interface eth0 down
}
