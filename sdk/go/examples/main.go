package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/sdk/go/taskflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Tasks []taskflow.Task `json:"tasks"`
		}{Tasks: []taskflow.Task{{
			ID:          "task-demo",
			Description: "gas below 40 gwei",
			Kind:        "gas_watch",
			State:       "pending",
			Version:     1,
		}}})
	})
	mux.HandleFunc("GET /api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskflow.Task{
			ID:      "task-demo",
			Kind:    "gas_watch",
			State:   "alerted",
			Version: 4,
		})
	})
	mux.HandleFunc("POST /api/v1/tasks/task-demo/ack", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskflow.Task{
			ID:      "task-demo",
			Kind:    "gas_watch",
			State:   "done",
			Version: 5,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := taskflow.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tasks, err := client.CreateTasks(ctx, "ping me when gas drops below 40 gwei")
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task %s (kind=%s)\n", tasks[0].ID, tasks[0].Kind)

	detail, err := client.GetTask(ctx, tasks[0].ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s is now %s\n", detail.ID, detail.State)

	done, err := client.AcknowledgeTask(ctx, detail.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("acknowledged task %s (state=%s)\n", done.ID, done.State)
}
