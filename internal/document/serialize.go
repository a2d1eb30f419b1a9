package document

import "encoding/json"

// Marshal serializes a document for storage as a json_value blob: its
// fields plus the _id and _creationTime system fields.
func Marshal(doc *Document) (json.RawMessage, error) {
	flat := make(map[string]any, len(doc.Fields)+2)
	for k, v := range doc.Fields {
		flat[k] = v
	}
	flat[FieldID] = doc.ID.String()
	flat[FieldCreationTime] = doc.CreationTime
	return json.Marshal(flat)
}

// Unmarshal parses a stored json_value blob back into a Document, assigning
// the given identity (the caller's log entry key is authoritative, not the
// embedded _id mirror).
func Unmarshal(id DocumentID, raw json.RawMessage) (*Document, error) {
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	creationTime, _ := flat[FieldCreationTime].(float64)
	delete(flat, FieldID)
	delete(flat, FieldCreationTime)
	return &Document{ID: id, CreationTime: creationTime, Fields: flat}, nil
}
