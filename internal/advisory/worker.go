package advisory

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"academy/internal/queue"
	"academy/internal/store"
)

// Task types carried on the queue.
const (
	TaskTip      = "tip"
	TaskInsights = "insights"
)

// TipTask asks for a learning tip for one student.
type TipTask struct {
	StudentID string `json:"student_id"`
	Grade     int    `json:"grade"`
}

// PublishTip enqueues a learning-tip task. Publish failures are logged and
// swallowed; the display path falls back to the static tip.
func PublishTip(ctx context.Context, q queue.Queue, studentID string, grade int) {
	body, err := json.Marshal(TipTask{StudentID: studentID, Grade: grade})
	if err != nil {
		return
	}
	if err := q.Publish(ctx, queue.Message{Type: TaskTip, Body: body}); err != nil {
		log.Printf("advisory: tip publish failed: %v", err)
	}
}

// PublishInsights enqueues an enrollment-insights task.
func PublishInsights(ctx context.Context, q queue.Queue) {
	if err := q.Publish(ctx, queue.Message{Type: TaskInsights}); err != nil {
		log.Printf("advisory: insights publish failed: %v", err)
	}
}

// Consume processes advisory tasks until ctx is cancelled. Each task is
// bounded by its own timeout and every failure path still writes usable text
// into the slot.
func Consume(ctx context.Context, q queue.Queue, client *Client, slot Slot, reg store.Registry) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		taskCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		switch msg.Type {
		case TaskTip:
			var task TipTask
			if err := json.Unmarshal(msg.Body, &task); err != nil || task.StudentID == "" {
				cancel()
				continue
			}
			text := client.LearningTip(taskCtx, task.Grade)
			slot.SetTip(taskCtx, task.StudentID, text)
		case TaskInsights:
			students, err := reg.Students(taskCtx)
			if err != nil {
				// Roster unreadable; park the fallback so the dashboard
				// still shows something.
				slot.SetInsights(taskCtx, FallbackInsights)
				cancel()
				continue
			}
			text := client.EnrollmentInsights(taskCtx, students)
			slot.SetInsights(taskCtx, text)
		}
		cancel()
	}
	return nil
}
