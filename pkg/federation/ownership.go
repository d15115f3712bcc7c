package federation

import "sort"

type typeField struct {
	TypeName  string
	FieldName string
}

type serviceTypeField struct {
	Service   string
	TypeName  string
	FieldName string
}

// OwnershipMap records, for the composed graph, which service resolves what:
// the owning service per field, the services able to resolve each entity by
// key, the key selection per entity, and the @provides/@requires annotations
// of owned fields. Built once by Compose and read-only afterwards; safe for
// unsynchronized concurrent reads.
type OwnershipMap struct {
	fieldOwner     map[typeField]string
	entityServices map[string][]string
	keys           map[string]FieldSet
	provides       map[typeField]FieldSet
	requires       map[typeField]FieldSet
	local          map[serviceTypeField]bool
}

func newOwnershipMap() *OwnershipMap {
	return &OwnershipMap{
		fieldOwner:     map[typeField]string{},
		entityServices: map[string][]string{},
		keys:           map[string]FieldSet{},
		provides:       map[typeField]FieldSet{},
		requires:       map[typeField]FieldSet{},
		local:          map[serviceTypeField]bool{},
	}
}

// FieldOwner returns the service owning typeName.fieldName in the composed
// graph, i.e. the service holding the authoritative, non-@external
// declaration.
func (o *OwnershipMap) FieldOwner(typeName, fieldName string) (string, bool) {
	service, ok := o.fieldOwner[typeField{typeName, fieldName}]
	return service, ok
}

// Keys returns the primary key selection of an entity type, false for
// non-entity types.
func (o *OwnershipMap) Keys(typeName string) (FieldSet, bool) {
	key, ok := o.keys[typeName]
	return key, ok
}

// IsEntity reports whether the type carries a @key and participates in
// cross-service resolution.
func (o *OwnershipMap) IsEntity(typeName string) bool {
	_, ok := o.keys[typeName]
	return ok
}

// EntityServices returns the services able to resolve the entity through
// _entities: its base service plus every extending service, sorted.
func (o *OwnershipMap) EntityServices(typeName string) []string {
	return o.entityServices[typeName]
}

// Provides returns the @provides selection attached to the owning occurrence
// of a field, nil when absent.
func (o *OwnershipMap) Provides(typeName, fieldName string) FieldSet {
	return o.provides[typeField{typeName, fieldName}]
}

// Requires returns the @requires selection attached to the owning occurrence
// of a field, nil when absent.
func (o *OwnershipMap) Requires(typeName, fieldName string) FieldSet {
	return o.requires[typeField{typeName, fieldName}]
}

// CanResolveLocally reports whether a service can return typeName.fieldName
// from its own data: it owns the field, or declares it @external as part of a
// @key it stores. The planner uses this to keep key-field selections in the
// current fetch instead of forcing a needless boundary crossing.
func (o *OwnershipMap) CanResolveLocally(service, typeName, fieldName string) bool {
	if o.fieldOwner[typeField{typeName, fieldName}] == service {
		return true
	}
	return o.local[serviceTypeField{service, typeName, fieldName}]
}

func (o *OwnershipMap) addLocalField(service, typeName, fieldName string) {
	o.local[serviceTypeField{service, typeName, fieldName}] = true
}

func (o *OwnershipMap) setFieldOwner(typeName, fieldName, service string) {
	o.fieldOwner[typeField{typeName, fieldName}] = service
}

func (o *OwnershipMap) addEntityService(typeName, service string) {
	services := o.entityServices[typeName]
	for _, existing := range services {
		if existing == service {
			return
		}
	}
	services = append(services, service)
	sort.Strings(services)
	o.entityServices[typeName] = services
}
