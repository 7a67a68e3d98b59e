package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openstudio-io/openstudio/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ListGroups lists groups
// @Summary      List Groups
// @Description  Lists all groups
// @Id           ListGroups
// @Tags         Groups
// @Accept       json
// @Produce      json
// @Success      200  {object}  []models.Group
// @Failure		 401  {object}  models.BaseError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/groups [get]
func (api *API) ListGroups(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ListGroups")
	defer span.End()
	groups := make([]*models.Group, 0)
	db := api.db.WithContext(ctx)
	db = FilterAndPaginate(db, &models.Group{}, c, "name")
	result := db.Find(&groups)

	if result.Error != nil {
		api.SendInternalServerError(c, errors.New("error fetching groups from db"))
		return
	}
	c.JSON(http.StatusOK, groups)
}

// GetGroup gets a group
// @Summary      Get Group
// @Description  Gets a group by id
// @Id           GetGroup
// @Tags         Groups
// @Accept       json
// @Produce      json
// @Param        id  path       string  true  "Group ID"
// @Success      200  {object}  models.Group
// @Failure      400  {object}  models.BaseError
// @Failure		 401  {object}  models.BaseError
// @Failure      404  {object}  models.BaseError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/groups/{id} [get]
func (api *API) GetGroup(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "GetGroup",
		trace.WithAttributes(
			attribute.String("id", c.Param("id")),
		))
	defer span.End()

	groupId, err := uuid.Parse(c.Param("id"))
	if err != nil || groupId == uuid.Nil {
		c.JSON(http.StatusBadRequest, models.NewBadPathParameterError("id"))
		return
	}

	var group models.Group
	db := api.db.WithContext(ctx)
	if res := db.First(&group, "id = ?", groupId); res.Error != nil {
		c.JSON(http.StatusNotFound, models.NewNotFoundError("group"))
		return
	}
	c.JSON(http.StatusOK, group)
}
