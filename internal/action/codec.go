package action

import "encoding/json"

// MarshalAction and MarshalCommand give Action and Command a stable
// on-the-wire representation for the worker's own blob store; unlike
// Directory, their digest stability doesn't depend on field order (they
// carry no unordered collections), so plain JSON is sufficient.

func MarshalAction(a *Action) ([]byte, error) {
	return json.Marshal(a)
}

func UnmarshalAction(b []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func MarshalCommand(c *Command) ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalCommand(b []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func MarshalActionResult(r *ActionResult) ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalActionResult(b []byte) (*ActionResult, error) {
	var r ActionResult
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
