package logging

func logParamsToZapParams(cat Category, sub SubCategory, keys map[ExtraKey]any) []any {
	params := make([]any, 0, 4+2*len(keys))
	params = append(params, "Category", string(cat), "SubCategory", string(sub))

	for k, v := range keys {
		params = append(params, string(k), v)
	}

	return params
}

func logParamsToZeroParams(keys map[ExtraKey]any) map[string]any {
	params := make(map[string]any, len(keys))

	for k, v := range keys {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		params[string(k)] = v
	}

	return params
}
