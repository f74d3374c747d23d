package web

import (
	"fmt"

	"github.com/curious-containers/cc-server/pkg/types"
)

// validateTask checks the task schema: a container description with image and
// RAM, plus connector lists.
func validateTask(task map[string]interface{}) error {
	description, ok := task["application_container_description"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("application_container_description is required")
	}
	if image, ok := description["image"].(string); !ok || image == "" {
		return fmt.Errorf("application_container_description.image is required")
	}
	ram, ok := description["container_ram"].(float64)
	if !ok || ram <= 0 {
		return fmt.Errorf("application_container_description.container_ram must be a positive number")
	}
	if raw, ok := description["registry_auth"]; ok {
		auth, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("registry_auth must be an object")
		}
		for _, field := range []string{"username", "password"} {
			if v, ok := auth[field].(string); !ok || v == "" {
				return fmt.Errorf("registry_auth.%s is required", field)
			}
		}
	}
	if raw, ok := description["parameters"]; ok {
		switch raw.(type) {
		case map[string]interface{}, []interface{}:
		default:
			return fmt.Errorf("parameters must be an object or a list")
		}
	}

	if err := validateConnectors(task["input_files"], "input_files", false); err != nil {
		return err
	}
	if err := validateConnectors(task["result_files"], "result_files", true); err != nil {
		return err
	}
	if err := validateConnectors(task["notifications"], "notifications", false); err != nil {
		return err
	}

	if raw, ok := task["tags"]; ok {
		tags, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("tags must be a list of strings")
		}
		for _, t := range tags {
			if _, ok := t.(string); !ok {
				return fmt.Errorf("tags must be a list of strings")
			}
		}
	}
	if raw, ok := task["no_cache"]; ok {
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("no_cache must be a boolean")
		}
	}
	return nil
}

// validateConnectors checks a connector list. Result file entries may be null
// for files the worker should drop.
func validateConnectors(raw interface{}, field string, nullable bool) error {
	if raw == nil {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("%s must be a list", field)
	}
	for i, entry := range list {
		if entry == nil {
			if nullable {
				continue
			}
			return fmt.Errorf("%s[%d] must not be null", field, i)
		}
		connector, ok := entry.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s[%d] must be an object", field, i)
		}
		if t, ok := connector["connector_type"].(string); !ok || t == "" {
			return fmt.Errorf("%s[%d].connector_type is required", field, i)
		}
		if _, ok := connector["connector_access"].(map[string]interface{}); !ok {
			return fmt.Errorf("%s[%d].connector_access is required", field, i)
		}
	}
	return nil
}

// validateCallback checks the callback schema before dispatch.
func validateCallback(cb types.Callback) error {
	if cb.CallbackKey == "" {
		return fmt.Errorf("callback_key is required")
	}
	if cb.CallbackType < 0 {
		return fmt.Errorf("callback_type must be a non-negative integer")
	}
	if cb.ContainerID == "" {
		return fmt.Errorf("container_id is required")
	}
	return nil
}
