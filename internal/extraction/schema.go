package extraction

import "encoding/json"

const systemPrompt = `You turn a patient's free-text description of their medications into structured data.

Return one medicationStatement per medication mentioned. Describe every dosing phase of a
medication as an entry of timingSequence, in the order the phases happen, numbering them with
orderInSequence starting at 1. A phase without a duration runs indefinitely and must be last.

Rules:
- frequency is doses per period; period and periodUnit default to 1 day.
- Use specificTimes (24-hour HH:MM) only when the patient names exact clock times.
- Use timeCategories ("morning", "afternoon", "evening", "bedtime") for vague times of day.
- weekdays are lowercase English names, only when the patient restricts the days.
- Set isAsNeeded for "as needed" / PRN medications and put the daily limit in frequencyMax.
- Leave a field out rather than guessing.

Medications already on file are given as JSON. Repeat an existing medication only if the
patient changes it. Put anything you want to say to the patient in freeTextResponse.`

// medicationDataSchema is the JSON schema for timing.MedicationData.
var medicationDataSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "medicationStatements": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "medication":  {"type": "string"},
          "brandName":   {"type": "string"},
          "genericName": {"type": "string"},
          "rxnormCode":  {"type": "string"},
          "form":        {"type": "string"},
          "strength": {
            "type": "object",
            "properties": {
              "amount": {"type": "number"},
              "unit":   {"type": "string"}
            },
            "required": ["amount", "unit"]
          },
          "sourceText": {"type": "string"},
          "timingSequence": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "orderInSequence": {"type": "integer", "minimum": 1},
                "frequency":       {"type": "integer", "minimum": 0},
                "frequencyMax":    {"type": "integer", "minimum": 0},
                "period":          {"type": "number", "minimum": 0},
                "periodMax":       {"type": "number", "minimum": 0},
                "periodUnit":      {"type": "string"},
                "duration":        {"type": "number", "minimum": 0},
                "durationUnit":    {"type": "string"},
                "count":           {"type": "integer", "minimum": 0},
                "doseAmount":      {"type": "number"},
                "doseUnit":        {"type": "string"},
                "isAsNeeded":      {"type": "boolean"},
                "specificTimes":   {"type": "array", "items": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"}},
                "timeCategories":  {"type": "array", "items": {"type": "string"}},
                "weekdays": {
                  "type": "array",
                  "items": {"type": "string", "enum": ["monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"]}
                },
                "rawText": {"type": "string"}
              },
              "required": ["doseAmount", "isAsNeeded"]
            }
          }
        },
        "required": ["medication", "timingSequence"]
      }
    },
    "freeTextResponse": {"type": "string"}
  },
  "required": ["medicationStatements"]
}`)
