package config

// projectSchemaJSON is the JSON Schema project.json (and its YAML sibling,
// converted to JSON before validation) must satisfy before defaults are
// applied. Kept permissive on defaultable fields; required fields mirror
// validate()'s hard requirements so a malformed document fails fast with a
// schema error rather than a later nil-pointer surprise.
const projectSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["projectId", "rootDir"],
  "properties": {
    "projectId": {"type": "string", "minLength": 1},
    "rootDir": {"type": "string", "minLength": 1},
    "defaultBranch": {"type": "string"},
    "typecheckCommands": {"type": "array", "items": {"type": "string"}},
    "testCommands": {"type": "array", "items": {"type": "string"}},
    "e2eCommands": {"type": "array", "items": {"type": "string"}},
    "allowPush": {"type": "boolean"},
    "allowForcePush": {"type": "boolean"},
    "subtaskTimeoutMs": {"type": "integer", "minimum": 0},
    "checkpointExcludeGlobs": {"type": "array", "items": {"type": "string"}},
    "healer": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "maxInvocationsPerSession": {"type": "integer", "minimum": 0},
        "maxInvocationsPerSubtask": {"type": "integer", "minimum": 0},
        "mode": {"type": "string", "enum": ["conservative", "aggressive"]},
        "stuckThresholdHours": {"type": "number", "minimum": 0},
        "lastGreenCommitSource": {"type": "string", "enum": ["healthrunner", "tag"]},
        "allowForceRewind": {"type": "boolean"},
        "scenarios": {
          "type": "object",
          "properties": {
            "onInitFailure": {"type": "boolean"},
            "onVerificationFailure": {"type": "boolean"},
            "onSubtaskFailure": {"type": "boolean"},
            "onRuntimeError": {"type": "boolean"},
            "onStuckSubtask": {"type": "boolean"}
          }
        },
        "spells": {
          "type": "object",
          "properties": {
            "allowed": {"type": "array", "items": {"type": "string"}},
            "forbidden": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    }
  }
}`
