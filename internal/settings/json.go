package settings

import "encoding/json"

// toGenericJSON round-trips doc through encoding/json into a generic
// map[string]interface{} tree so expandValue can walk arbitrary nested
// structure without reflecting over Settings' concrete fields.
func toGenericJSON(doc *Settings) (interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func fromGenericJSON(generic interface{}, out *Settings) error {
	data, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
