// The arcflow engine binary hosts both execution engines behind the
// NATS command subjects: workflow starts, plan creation/approval, and
// HITL responses arrive as JSON events; lifecycle notifications go back
// out on the event subjects.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcflow/arcflow/core/infra/bus"
	"github.com/arcflow/arcflow/core/infra/config"
	"github.com/arcflow/arcflow/core/infra/metrics"
	"github.com/arcflow/arcflow/core/orchestrator"
	"github.com/arcflow/arcflow/core/planner"
	"github.com/arcflow/arcflow/core/registry"
	"github.com/arcflow/arcflow/core/workflow"
)

const engineQueueGroup = "arcflow-engine"

func main() {
	log.Println("arcflow engine starting...")

	cfg := config.Load()

	wfStore, err := workflow.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for workflow store: %v", err)
	}
	defer wfStore.Close()

	planStore, err := planner.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for planner store: %v", err)
	}
	defer planStore.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	agents := registry.NewAgentRegistry()
	registry.RegisterEchoAgent(agents)
	tools := registry.NewToolRegistry()

	dags := registry.NewDAGRegistry()
	if err := dags.LoadDir(cfg.DAGConfigDir); err != nil {
		log.Fatalf("failed to load dag templates: %v", err)
	}
	log.Printf("loaded %d dag templates from %s", len(dags.ListDAGs()), cfg.DAGConfigDir)

	var strategy planner.Strategy
	if cfg.AnthropicAPIKey != "" {
		strategy = planner.NewAnthropicStrategy(cfg.AnthropicAPIKey, cfg.PlannerModel)
		log.Printf("planning strategy: anthropic model=%s", cfg.PlannerModel)
	} else {
		strategy = staticStrategy{}
		log.Println("planning strategy: none configured, structural fallbacks only")
	}

	var wfMeter metrics.WorkflowMetrics = metrics.Noop{}
	var planMeter metrics.PlannerMetrics = metrics.Noop{}
	if cfg.MetricsAddr != "" {
		prom := metrics.NewProm("arcflow")
		wfMeter = prom
		planMeter = prom
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("metrics on %s/metrics", cfg.MetricsAddr)
	}

	wfEngine := workflow.NewEngine(wfStore, agents, tools, natsBus, wfMeter)
	planEngine := planner.NewEngine(planStore, agents, tools, dags, strategy, natsBus, planMeter)
	orch := orchestrator.New(dags, wfEngine, planEngine)

	subscriptions := map[string]func(*bus.Event){
		bus.SubjectWorkflowCommands: handleWorkflowCommand(orch),
		bus.SubjectPlanCommands:     handlePlanCommand(orch),
		bus.SubjectHITLResponses:    handleHITLResponse(orch),
	}
	for subject, handler := range subscriptions {
		if err := natsBus.Subscribe(subject, engineQueueGroup, handler); err != nil {
			log.Fatalf("failed to subscribe to %s: %v", subject, err)
		}
	}

	log.Println("arcflow engine running. waiting for commands...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("arcflow engine shutting down")
	orch.Wait()
}

// staticStrategy returns no output, which every planning call site
// treats as malformed and replaces with its structural fallback.
type staticStrategy struct{}

func (staticStrategy) Generate(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func handleWorkflowCommand(orch *orchestrator.Orchestrator) func(*bus.Event) {
	return func(event *bus.Event) {
		if event.Type != "start_workflow" {
			return
		}
		dagID, _ := event.Data["dag_id"].(string)
		sessionID, _ := event.Data["session_id"].(string)
		userID, _ := event.Data["user_id"].(string)
		id, err := orch.StartWorkflow(context.Background(), dagID, sessionID, userID)
		if err != nil {
			log.Printf("start workflow dag_id=%s: %v", dagID, err)
			return
		}
		log.Printf("started workflow %s dag_id=%s", id, dagID)
	}
}

func handlePlanCommand(orch *orchestrator.Orchestrator) func(*bus.Event) {
	return func(event *bus.Event) {
		ctx := context.Background()
		switch event.Type {
		case "create_plan":
			userID, _ := event.Data["user_id"].(string)
			sessionID, _ := event.Data["session_id"].(string)
			request, _ := event.Data["request"].(string)
			plan, err := orch.CreatePlan(ctx, userID, sessionID, request)
			if err != nil {
				log.Printf("create plan: %v", err)
				return
			}
			log.Printf("created plan %s type=%s", plan.PlanID, plan.PlanType)
		case "approve_plan":
			userID, _ := event.Data["user_id"].(string)
			runID, err := orch.ApprovePlan(ctx, event.PlanID, userID)
			if err != nil {
				log.Printf("approve plan %s: %v", event.PlanID, err)
				return
			}
			log.Printf("approved plan %s run=%s", event.PlanID, runID)
		case "reject_plan":
			userID, _ := event.Data["user_id"].(string)
			reason, _ := event.Data["reason"].(string)
			if err := orch.RejectPlan(ctx, event.PlanID, userID, reason); err != nil {
				log.Printf("reject plan %s: %v", event.PlanID, err)
			}
		}
	}
}

func handleHITLResponse(orch *orchestrator.Orchestrator) func(*bus.Event) {
	return func(event *bus.Event) {
		ctx := context.Background()
		userID, _ := event.Data["user_id"].(string)
		response, _ := event.Data["response"].(string)

		var err error
		switch event.Type {
		case "approve_hitl":
			err = orch.ApproveHITL(ctx, event.RequestID, userID, response)
		case "reject_hitl":
			err = orch.RejectHITL(ctx, event.RequestID, userID, response)
		case "approve_checkpoint":
			err = orch.ApproveCheckpoint(ctx, event.RequestID, userID, response)
		case "reject_checkpoint":
			err = orch.RejectCheckpoint(ctx, event.RequestID, userID, response)
		default:
			return
		}
		if err != nil {
			log.Printf("%s request=%s: %v", event.Type, event.RequestID, err)
			return
		}
		log.Printf("%s request=%s by=%s", event.Type, event.RequestID, userID)
	}
}
