package federation

import (
	"fmt"
	"sort"
)

// Compose merges the schemas of all configured services into one
// FederatedSchema plus the OwnershipMap the planner navigates by.
//
// Composition is all-or-nothing: when any violation is found, no schema is
// produced and the returned error is a *CompositionReport carrying every
// violation, not just the first. The result is independent of the order in
// which services are passed; only the absence of @external/extension markers
// decides which occurrence is authoritative.
func Compose(services []ServiceDefinition) (*FederatedSchema, *OwnershipMap, error) {
	groups, err := groupServiceTypes(services)
	if err != nil {
		return nil, nil, err
	}

	report := &CompositionReport{}
	ownership := newOwnershipMap()
	types := map[string]*CompositeType{}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		occurrences := groups[name]
		var composite *CompositeType
		if isRootTypeName(name) {
			composite = composeRootType(name, occurrences, ownership, report)
		} else {
			composite = composeType(name, occurrences, ownership, report)
		}
		if composite != nil {
			types[name] = composite
		}
	}

	for _, name := range names {
		for _, occurrence := range groups[name] {
			validateRequires(occurrence, groups, report)
			validateProvides(occurrence, groups, report)
		}
	}

	if report.HasErrors() {
		return nil, nil, report
	}

	sdl := renderSDL(types)
	schema, err := loadClientSchema(sdl)
	if err != nil {
		return nil, nil, err
	}

	return &FederatedSchema{Types: types, SDL: sdl, Schema: schema}, ownership, nil
}

// groupServiceTypes parses every service and groups type occurrences by type
// name. Occurrences within a group sort by (extension marker, service name) so
// later stages see the base first and extensions in a stable order.
func groupServiceTypes(services []ServiceDefinition) (map[string][]*serviceType, error) {
	groups := map[string][]*serviceType{}
	for _, service := range services {
		if service.Name == "" {
			return nil, fmt.Errorf("service with empty name (url %q)", service.URL)
		}
		occurrences, err := parseServiceTypes(service)
		if err != nil {
			return nil, err
		}
		for _, occurrence := range occurrences {
			groups[occurrence.Name] = append(groups[occurrence.Name], occurrence)
		}
	}
	for _, occurrences := range groups {
		sort.SliceStable(occurrences, func(i, j int) bool {
			if occurrences[i].IsExtension != occurrences[j].IsExtension {
				return !occurrences[i].IsExtension
			}
			return occurrences[i].Service < occurrences[j].Service
		})
	}
	return groups, nil
}

// composeRootType merges Query/Mutation. Every service contributes root fields
// it fully owns; the same root field declared by two services is a conflict.
// Root fields sort by name so composition is input-order independent.
func composeRootType(name string, occurrences []*serviceType, ownership *OwnershipMap, report *CompositionReport) *CompositeType {
	composite := &CompositeType{Name: name, Kind: occurrences[0].Kind}
	owners := map[string]string{}

	for _, occurrence := range occurrences {
		for _, field := range occurrence.Fields {
			if field.External {
				continue
			}
			// Services may list their own federation entry points in the SDL.
			if field.Name == "_service" || field.Name == "_entities" {
				continue
			}
			if owner, taken := owners[field.Name]; taken {
				if owner != occurrence.Service {
					report.add(TypeConflict, occurrence.Service, name, field.Name,
						"root field already defined by service %q", owner)
				}
				continue
			}
			owners[field.Name] = occurrence.Service
			ownership.addLocalField(occurrence.Service, name, field.Name)
			composite.Fields = append(composite.Fields, &CompositeField{
				Name:       field.Name,
				Owner:      occurrence.Service,
				Definition: field.Definition,
			})
			ownership.setFieldOwner(name, field.Name, occurrence.Service)
			recordFieldAnnotations(name, field, ownership)
		}
	}

	sort.Slice(composite.Fields, func(i, j int) bool {
		return composite.Fields[i].Name < composite.Fields[j].Name
	})
	return composite
}

func composeType(name string, occurrences []*serviceType, ownership *OwnershipMap, report *CompositionReport) *CompositeType {
	bases := make([]*serviceType, 0, 1)
	extensions := make([]*serviceType, 0, len(occurrences))
	for _, occurrence := range occurrences {
		if occurrence.IsExtension {
			extensions = append(extensions, occurrence)
		} else {
			bases = append(bases, occurrence)
		}
	}

	switch {
	case len(bases) == 0:
		for _, extension := range extensions {
			report.add(CircularExtension, extension.Service, name, "",
				"type is only ever extended; no service provides a base definition")
		}
		return nil
	case len(bases) > 1:
		return composeSharedType(name, bases, extensions, ownership, report)
	}

	base := bases[0]
	composite := &CompositeType{
		Name:         name,
		Kind:         base.Kind,
		Interfaces:   base.Definition.Interfaces,
		UnionMembers: base.Definition.Types,
	}
	for _, value := range base.Definition.EnumValues {
		composite.EnumValues = append(composite.EnumValues, value.Name)
	}

	validateOccurrenceFields(base, report)
	validateKeys(base, report)
	recordLocalFields(base, ownership)

	for _, field := range base.Fields {
		if field.External {
			continue
		}
		composite.Fields = append(composite.Fields, &CompositeField{
			Name:       field.Name,
			Owner:      base.Service,
			Definition: field.Definition,
		})
		ownership.setFieldOwner(name, field.Name, base.Service)
		recordFieldAnnotations(name, field, ownership)
	}

	if len(base.Keys) > 0 {
		ownership.keys[name] = base.Keys[0]
		ownership.addEntityService(name, base.Service)
	}

	if len(extensions) > 0 && len(base.Keys) == 0 {
		report.add(MissingKeyField, base.Service, name, "",
			"type is extended by other services but its base definition declares no @key")
	}

	extensionFields := make([]*CompositeField, 0)
	for _, extension := range extensions {
		validateOccurrenceFields(extension, report)
		validateKeys(extension, report)
		validateExtension(base, extension, report)
		recordLocalFields(extension, ownership)
		ownership.addEntityService(name, extension.Service)

		for _, field := range extension.Fields {
			if field.External {
				continue
			}
			if existing := composite.Field(field.Name); existing != nil {
				report.add(TypeConflict, extension.Service, name, field.Name,
					"field already owned by service %q", existing.Owner)
				continue
			}
			if conflictsWith(extensionFields, field.Name, report, extension.Service, name) {
				continue
			}
			extensionFields = append(extensionFields, &CompositeField{
				Name:       field.Name,
				Owner:      extension.Service,
				Definition: field.Definition,
			})
			ownership.setFieldOwner(name, field.Name, extension.Service)
			recordFieldAnnotations(name, field, ownership)
		}
	}

	// Extension-contributed fields append in sorted order so the merged type
	// does not depend on service input order.
	sort.Slice(extensionFields, func(i, j int) bool {
		return extensionFields[i].Name < extensionFields[j].Name
	})
	composite.Fields = append(composite.Fields, extensionFields...)

	return composite
}

func conflictsWith(fields []*CompositeField, name string, report *CompositionReport, service, typeName string) bool {
	for _, added := range fields {
		if added.Name == name {
			report.add(TypeConflict, service, typeName, name,
				"field already owned by service %q", added.Owner)
			return true
		}
	}
	return false
}

// composeSharedType handles value types: scalars, enums, unions, inputs and
// plain objects that several services define identically without extension
// markers. Non-identical duplicates are conflicts. The lexicographically
// smallest service becomes the nominal owner, which keeps the result stable.
func composeSharedType(name string, bases, extensions []*serviceType, ownership *OwnershipMap, report *CompositionReport) *CompositeType {
	first := bases[0]
	conflicted := false
	for _, other := range bases[1:] {
		if conflict := sharedTypeConflict(first, other); conflict != "" {
			report.add(TypeConflict, other.Service, name, "",
				"conflicting definition also present in service %q: %s", first.Service, conflict)
			conflicted = true
		}
	}
	for _, extension := range extensions {
		report.add(TypeConflict, extension.Service, name, "",
			"type is extended but defined as a base type by multiple services")
		conflicted = true
	}
	if conflicted {
		return nil
	}

	composite := &CompositeType{
		Name:         name,
		Kind:         first.Kind,
		Interfaces:   first.Definition.Interfaces,
		UnionMembers: first.Definition.Types,
	}
	for _, value := range first.Definition.EnumValues {
		composite.EnumValues = append(composite.EnumValues, value.Name)
	}
	for _, base := range bases {
		recordLocalFields(base, ownership)
	}
	for _, field := range first.Fields {
		composite.Fields = append(composite.Fields, &CompositeField{
			Name:       field.Name,
			Owner:      first.Service,
			Definition: field.Definition,
		})
		ownership.setFieldOwner(name, field.Name, first.Service)
	}
	return composite
}

// sharedTypeConflict compares two base occurrences of the same type and
// returns a human-readable difference, empty when the definitions are
// identical for composition purposes.
func sharedTypeConflict(a, b *serviceType) string {
	if a.Kind != b.Kind {
		return fmt.Sprintf("kind %s vs %s", a.Kind, b.Kind)
	}
	if got, want := fieldSignatures(b), fieldSignatures(a); got != want {
		return fmt.Sprintf("fields %s vs %s", got, want)
	}
	if got, want := enumSignature(b), enumSignature(a); got != want {
		return fmt.Sprintf("enum values %s vs %s", got, want)
	}
	if got, want := unionSignature(b), unionSignature(a); got != want {
		return fmt.Sprintf("union members %s vs %s", got, want)
	}
	return ""
}

func fieldSignatures(t *serviceType) string {
	signatures := make([]string, 0, len(t.Fields))
	for _, field := range t.Fields {
		signatures = append(signatures, field.Name+":"+renderTypeRef(field.Definition.Type))
	}
	sort.Strings(signatures)
	return fmt.Sprint(signatures)
}

func enumSignature(t *serviceType) string {
	values := make([]string, 0, len(t.Definition.EnumValues))
	for _, value := range t.Definition.EnumValues {
		values = append(values, value.Name)
	}
	sort.Strings(values)
	return fmt.Sprint(values)
}

func unionSignature(t *serviceType) string {
	members := append([]string(nil), t.Definition.Types...)
	sort.Strings(members)
	return fmt.Sprint(members)
}

// validateOccurrenceFields rejects conflicting duplicate field declarations
// within one service occurrence. Identical duplicates are tolerated since
// field lookup always resolves to the first declaration.
func validateOccurrenceFields(occurrence *serviceType, report *CompositionReport) {
	seen := map[string]string{}
	for _, field := range occurrence.Fields {
		signature := renderTypeRef(field.Definition.Type)
		if previous, ok := seen[field.Name]; ok && previous != signature {
			report.add(TypeConflict, occurrence.Service, occurrence.Name, field.Name,
				"conflicting duplicate declarations %q and %q", previous, signature)
			continue
		}
		seen[field.Name] = signature
	}
}

// validateKeys checks that every @key selection of an occurrence only names
// fields the occurrence actually declares, directly or via @external.
func validateKeys(occurrence *serviceType, report *CompositionReport) {
	for _, key := range occurrence.Keys {
		for _, item := range key {
			if occurrence.field(item.Name) == nil {
				report.add(MissingKeyField, occurrence.Service, occurrence.Name, item.Name,
					"@key references a field the service does not declare")
			}
		}
	}
}

// validateExtension enforces the extension contract: the extension declares a
// @key canonically equal to one of the base's keys, and every key field is
// declared on the extension and marked @external. @external fields must shadow
// real base fields.
func validateExtension(base, extension *serviceType, report *CompositionReport) {
	if len(extension.Keys) == 0 {
		report.add(MissingKeyField, extension.Service, extension.Name, "",
			"extension of an entity must declare the base type's @key")
	}
	for _, key := range extension.Keys {
		if len(base.Keys) > 0 && !base.hasKeyMatching(key) {
			report.add(MissingKeyField, extension.Service, extension.Name, "",
				"extension @key %q matches no @key of the base service %q", key.String(), base.Service)
		}
		for _, item := range key {
			field := extension.field(item.Name)
			if field == nil {
				continue // reported by validateKeys
			}
			if !field.External {
				report.add(MissingKeyField, extension.Service, extension.Name, item.Name,
					"key field on an extension must be marked @external")
			}
		}
	}
	for _, field := range extension.Fields {
		if !field.External {
			continue
		}
		if base.field(field.Name) == nil {
			report.add(TypeConflict, extension.Service, extension.Name, field.Name,
				"marked @external but the base service %q does not declare it", base.Service)
		}
	}
}

// validateRequires checks that every @requires selection is resolvable on the
// same service occurrence: each referenced field must be declared (owned or
// @external) there, recursively through nested selections.
func validateRequires(occurrence *serviceType, groups map[string][]*serviceType, report *CompositionReport) {
	for _, field := range occurrence.Fields {
		if field.Requires == nil {
			continue
		}
		validateLocalFieldSet(occurrence, field.Name, field.Requires, groups, UnsatisfiedRequires, report)
	}
}

// validateProvides checks that a @provides selection only names fields that
// genuinely exist on the field's return type as seen by the same service.
func validateProvides(occurrence *serviceType, groups map[string][]*serviceType, report *CompositionReport) {
	for _, field := range occurrence.Fields {
		if field.Provides == nil {
			continue
		}
		returnType := namedType(field.Definition.Type)
		target := occurrenceOfService(groups[returnType], occurrence.Service)
		if target == nil {
			report.add(InvalidProvides, occurrence.Service, occurrence.Name, field.Name,
				"@provides references type %s which the service does not declare", returnType)
			continue
		}
		validateLocalFieldSet(target, field.Name, field.Provides, groups, InvalidProvides, report)
	}
}

// validateLocalFieldSet walks a field set against a type occurrence within one
// service, recursing through nested selections into that service's occurrence
// of the nested type.
func validateLocalFieldSet(target *serviceType, originField string, set FieldSet, groups map[string][]*serviceType, kind CompositionErrorKind, report *CompositionReport) {
	for _, item := range set {
		declared := target.field(item.Name)
		if declared == nil {
			report.add(kind, target.Service, target.Name, originField,
				"references %s.%s which the service does not declare", target.Name, item.Name)
			continue
		}
		if len(item.Selections) == 0 {
			continue
		}
		nestedName := namedType(declared.Definition.Type)
		nested := occurrenceOfService(groups[nestedName], target.Service)
		if nested == nil {
			report.add(kind, target.Service, target.Name, originField,
				"references fields of %s which the service does not declare", nestedName)
			continue
		}
		validateLocalFieldSet(nested, originField, item.Selections, groups, kind, report)
	}
}

func occurrenceOfService(occurrences []*serviceType, service string) *serviceType {
	for _, occurrence := range occurrences {
		if occurrence.Service == service {
			return occurrence
		}
	}
	return nil
}

// recordLocalFields marks the fields a service can answer from its own data:
// everything it declares non-@external, plus @external fields it stores as
// part of a @key.
func recordLocalFields(occurrence *serviceType, ownership *OwnershipMap) {
	for _, field := range occurrence.Fields {
		if !field.External {
			ownership.addLocalField(occurrence.Service, occurrence.Name, field.Name)
			continue
		}
		for _, key := range occurrence.Keys {
			if key.Contains(field.Name) {
				ownership.addLocalField(occurrence.Service, occurrence.Name, field.Name)
				break
			}
		}
	}
}

func recordFieldAnnotations(typeName string, field *serviceField, ownership *OwnershipMap) {
	key := typeField{typeName, field.Name}
	if field.Provides != nil {
		ownership.provides[key] = field.Provides
	}
	if field.Requires != nil {
		ownership.requires[key] = field.Requires
	}
}
