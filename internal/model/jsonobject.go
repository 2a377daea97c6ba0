package model

// JSONObject is a loosely-typed JSON value used for request bodies, job
// arguments and other payloads whose shape is owned by the job type rather
// than by the orchestration core.
type JSONObject = map[string]any
