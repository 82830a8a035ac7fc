package sink

// eventSchema validates one uploaded wire event before it is decoded. The
// shape mirrors internal/event's wireEvent; validation failures reject the
// whole batch so a malformed payload is never persisted.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "recordId", "eventType", "deviceUuid", "userId", "createdAt", "prevHash", "thisHash"],
  "properties": {
    "id": {"type": "string", "format": "uuid"},
    "recordId": {"type": "string", "format": "uuid"},
    "parentRecordId": {"type": "string", "format": "uuid"},
    "eventType": {"enum": ["recorded", "deleted"]},
    "startTime": {"type": ["string", "null"]},
    "endTime": {"type": ["string", "null"]},
    "intensity": {
      "enum": ["spotting", "dripping", "flowing", "pouring", "gushing", "uncontrolled", null]
    },
    "notes": {"type": ["string", "null"]},
    "isNoNosebleedsEvent": {"type": "boolean"},
    "isUnknownEvent": {"type": "boolean"},
    "isIncomplete": {"type": "boolean"},
    "deleteReason": {"type": "string"},
    "startTimezone": {"type": "string"},
    "endTimezone": {"type": "string"},
    "deviceUuid": {"type": "string", "format": "uuid"},
    "userId": {"type": "string"},
    "createdAt": {"type": "string"},
    "syncedAt": {"type": ["string", "null"]},
    "chainSeq": {"type": "integer", "minimum": 0},
    "prevHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "thisHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`
