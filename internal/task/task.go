// Package task implements the Task Repository (C2): typed CRUD over task
// records, canonical (de)serialization, and the status state machine.
package task

import (
	"encoding/json"
	"time"
)

// Status is one of the six lifecycle states a task can hold.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRetry      Status = "RETRY"
)

// Terminal reports whether no further transition is permitted from this
// status (COMPLETED and CANCELLED; FAILED is not terminal because retry
// can return it to PENDING).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRetry:
		return true
	}
	return false
}

// Task is the full task record, §3 DATA MODEL.
type Task struct {
	TaskID          string            `json:"task_id"`
	Status          Status            `json:"status"`
	SourceLanguage  string            `json:"source_language"`
	TargetLanguages []string          `json:"target_languages"`
	AudioFiles      []string          `json:"audio_files"`
	TextData        map[string]string `json:"text_data"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	AssignedWorker  string            `json:"assigned_worker,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RetryCount      int               `json:"retry_count"`
	Progress        float64           `json:"progress"`
	StoryName       string            `json:"story_name,omitempty"`
}

// fieldKeys names every hash field under task:{id}, matching §6's store key
// layout.
const (
	fieldStatus          = "status"
	fieldSourceLanguage  = "source_language"
	fieldTargetLanguages = "target_languages"
	fieldAudioFiles      = "audio_files"
	fieldTextData        = "text_data"
	fieldCreatedAt       = "created_at"
	fieldUpdatedAt       = "updated_at"
	fieldAssignedWorker  = "assigned_worker"
	fieldErrorMessage    = "error_message"
	fieldRetryCount      = "retry_count"
	fieldProgress        = "progress"
	fieldStoryName       = "story_name"
)

// toFields serializes a Task into the canonical hash-field representation:
// scalars as strings, collections as JSON text, per spec.md §4.2.
func (t *Task) toFields() map[string]string {
	targetLangs, _ := json.Marshal(t.TargetLanguages)
	audioFiles, _ := json.Marshal(t.AudioFiles)
	textData := t.TextData
	if textData == nil {
		textData = map[string]string{}
	}
	textDataJSON, _ := json.Marshal(textData)

	return map[string]string{
		"id":                 t.TaskID,
		fieldStatus:          string(t.Status),
		fieldSourceLanguage:  t.SourceLanguage,
		fieldTargetLanguages: string(targetLangs),
		fieldAudioFiles:      string(audioFiles),
		fieldTextData:        string(textDataJSON),
		fieldCreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:       t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldAssignedWorker:  t.AssignedWorker,
		fieldErrorMessage:    t.ErrorMessage,
		fieldRetryCount:      formatInt(t.RetryCount),
		fieldProgress:        formatFloat(t.Progress),
		fieldStoryName:       t.StoryName,
	}
}

// fromFields deserializes the canonical hash representation back into a
// Task. A malformed record returns an error rather than a partially
// populated Task, so callers can skip-and-log per §4.2/§7 Corruption.
func fromFields(id string, fields map[string]string) (*Task, error) {
	t := &Task{TaskID: id}
	t.Status = Status(fields[fieldStatus])
	if !t.Status.valid() {
		return nil, errInvalidRecord("status", fields[fieldStatus])
	}
	t.SourceLanguage = fields[fieldSourceLanguage]
	t.AssignedWorker = fields[fieldAssignedWorker]
	t.ErrorMessage = fields[fieldErrorMessage]
	t.StoryName = fields[fieldStoryName]

	if v := fields[fieldTargetLanguages]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.TargetLanguages); err != nil {
			return nil, errInvalidRecord(fieldTargetLanguages, v)
		}
	}
	if v := fields[fieldAudioFiles]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.AudioFiles); err != nil {
			return nil, errInvalidRecord(fieldAudioFiles, v)
		}
	}
	if v := fields[fieldTextData]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.TextData); err != nil {
			return nil, errInvalidRecord(fieldTextData, v)
		}
	}

	createdAt, err := parseTime(fields[fieldCreatedAt])
	if err != nil {
		return nil, errInvalidRecord(fieldCreatedAt, fields[fieldCreatedAt])
	}
	updatedAt, err := parseTime(fields[fieldUpdatedAt])
	if err != nil {
		return nil, errInvalidRecord(fieldUpdatedAt, fields[fieldUpdatedAt])
	}
	t.CreatedAt, t.UpdatedAt = createdAt, updatedAt

	t.RetryCount, err = parseInt(fields[fieldRetryCount])
	if err != nil {
		return nil, errInvalidRecord(fieldRetryCount, fields[fieldRetryCount])
	}
	t.Progress, err = parseFloat(fields[fieldProgress])
	if err != nil {
		return nil, errInvalidRecord(fieldProgress, fields[fieldProgress])
	}
	return t, nil
}
